// Package taraerr defines the error taxonomy shared by every taracol component.
//
// Callers branch on Code (via errors.Is against the sentinels, or CodeOf)
// rather than matching error strings.
package taraerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeSignatureInvalid       Code = "SignatureInvalid"
	CodeKeyNotFound            Code = "KeyNotFound"
	CodeKeyRevoked             Code = "KeyRevoked"
	CodeUnauthorizedRotation   Code = "UnauthorizedRotation"
	CodeStaleMigrationProof    Code = "StaleMigrationProof"
	CodeRevokedSigner          Code = "RevokedSigner"
	CodeBrokenProofChain       Code = "BrokenProofChain"
	CodeChainBroken            Code = "ChainBroken"
	CodeConcurrentModification Code = "ConcurrentModification"
	CodeSubscriberOverwhelmed  Code = "SubscriberOverwhelmed"
	CodeTransportDisconnected  Code = "TransportDisconnected"
	CodeCursorInvalid          Code = "CursorInvalid"
	CodeRevisionGap            Code = "RevisionGap"
	CodeAlreadyApplied         Code = "AlreadyApplied"
	CodeNotFound               Code = "NotFound"
	CodeInvalidArgument        Code = "InvalidArgument"
	CodeInternal               Code = "Internal"
)

// Sentinels for errors.Is. Any *Error with the same Code matches.
var (
	ErrSignatureInvalid       = &Error{Code: CodeSignatureInvalid, Message: "signature invalid"}
	ErrKeyNotFound            = &Error{Code: CodeKeyNotFound, Message: "key not found"}
	ErrKeyRevoked             = &Error{Code: CodeKeyRevoked, Message: "key revoked"}
	ErrUnauthorizedRotation   = &Error{Code: CodeUnauthorizedRotation, Message: "unauthorized rotation"}
	ErrStaleMigrationProof    = &Error{Code: CodeStaleMigrationProof, Message: "stale migration proof"}
	ErrRevokedSigner          = &Error{Code: CodeRevokedSigner, Message: "revoked signer"}
	ErrBrokenProofChain       = &Error{Code: CodeBrokenProofChain, Message: "broken proof chain"}
	ErrChainBroken            = &Error{Code: CodeChainBroken, Message: "chain broken"}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification, Message: "concurrent modification"}
	ErrSubscriberOverwhelmed  = &Error{Code: CodeSubscriberOverwhelmed, Message: "subscriber overwhelmed"}
	ErrTransportDisconnected  = &Error{Code: CodeTransportDisconnected, Message: "transport disconnected"}
	ErrCursorInvalid          = &Error{Code: CodeCursorInvalid, Message: "cursor invalid"}
	ErrRevisionGap            = &Error{Code: CodeRevisionGap, Message: "revision gap"}
	ErrAlreadyApplied         = &Error{Code: CodeAlreadyApplied, Message: "already applied"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// Error is the structured error type. Op names the operation that failed
// (e.g. "repo.Commit"); Message is for humans.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *Error carrying the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New builds an error with a formatted message.
func New(code Code, op, format string, args ...interface{}) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to cause.
func Wrap(code Code, op string, cause error, format string, args ...interface{}) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// Retryable reports whether a transport-level retry is appropriate.
// Integrity failures are never retryable.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransportDisconnected, CodeSubscriberOverwhelmed, CodeConcurrentModification:
		return true
	default:
		return false
	}
}

// Integrity reports whether err signals tampered or inconsistent data.
func Integrity(err error) bool {
	switch CodeOf(err) {
	case CodeSignatureInvalid, CodeChainBroken, CodeBrokenProofChain,
		CodeStaleMigrationProof, CodeRevokedSigner, CodeUnauthorizedRotation:
		return true
	default:
		return false
	}
}

// Recoverable reports whether the caller can recover by resyncing or
// retrying the same operation without operator action.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case CodeConcurrentModification, CodeSubscriberOverwhelmed:
		return true
	default:
		return false
	}
}
