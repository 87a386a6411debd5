package taraerr

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var grpcCodes = map[Code]codes.Code{
	CodeSignatureInvalid:       codes.PermissionDenied,
	CodeKeyNotFound:            codes.NotFound,
	CodeKeyRevoked:             codes.PermissionDenied,
	CodeUnauthorizedRotation:   codes.PermissionDenied,
	CodeStaleMigrationProof:    codes.FailedPrecondition,
	CodeRevokedSigner:          codes.PermissionDenied,
	CodeBrokenProofChain:       codes.DataLoss,
	CodeChainBroken:            codes.DataLoss,
	CodeConcurrentModification: codes.Aborted,
	CodeSubscriberOverwhelmed:  codes.ResourceExhausted,
	CodeTransportDisconnected:  codes.Unavailable,
	CodeCursorInvalid:          codes.OutOfRange,
	CodeRevisionGap:            codes.FailedPrecondition,
	CodeAlreadyApplied:         codes.AlreadyExists,
	CodeNotFound:               codes.NotFound,
	CodeInvalidArgument:        codes.InvalidArgument,
	CodeInternal:               codes.Internal,
}

// ToStatus converts err into a gRPC status error. The taxonomy code is
// carried as a "[Code] " message prefix so FromStatus can restore it.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && CodeOf(err) == "" {
		return err
	}
	code := CodeOf(err)
	if code == "" {
		if errors.Is(err, context.Canceled) {
			return status.Error(codes.Canceled, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	gc, ok := grpcCodes[code]
	if !ok {
		gc = codes.Internal
	}
	return status.Error(gc, "["+string(code)+"] "+err.Error())
}

// FromStatus restores a taxonomy error from a gRPC status error.
// Errors without a taxonomy prefix map by gRPC code.
func FromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	if strings.HasPrefix(msg, "[") {
		if end := strings.Index(msg, "] "); end > 0 {
			code := Code(msg[1:end])
			if _, known := grpcCodes[code]; known {
				return &Error{Code: code, Op: op, Message: msg[end+2:]}
			}
		}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return &Error{Code: CodeTransportDisconnected, Op: op, Message: msg, Cause: err}
	case codes.NotFound:
		return &Error{Code: CodeNotFound, Op: op, Message: msg, Cause: err}
	case codes.InvalidArgument:
		return &Error{Code: CodeInvalidArgument, Op: op, Message: msg, Cause: err}
	default:
		return err
	}
}
