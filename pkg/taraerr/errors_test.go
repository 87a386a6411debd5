package taraerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeChainBroken, "repo.VerifyChain", "revision %d prior hash mismatch", 4)

	assert.True(t, errors.Is(err, ErrChainBroken))
	assert.False(t, errors.Is(err, ErrSignatureInvalid))
	assert.Equal(t, CodeChainBroken, CodeOf(err))

	wrapped := fmt.Errorf("failed to sync: %w", err)
	assert.True(t, errors.Is(wrapped, ErrChainBroken))
	assert.Equal(t, CodeChainBroken, CodeOf(wrapped))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeInternal, "repo.Commit", cause, "failed to store block")
	assert.Equal(t, "repo.Commit: failed to store block: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestRetryableAndIntegrity(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		integrity bool
	}{
		{CodeTransportDisconnected, true, false},
		{CodeSubscriberOverwhelmed, true, false},
		{CodeConcurrentModification, true, false},
		{CodeSignatureInvalid, false, true},
		{CodeChainBroken, false, true},
		{CodeStaleMigrationProof, false, true},
		{CodeCursorInvalid, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "op", "x")
			assert.Equal(t, tt.retryable, Retryable(err))
			assert.Equal(t, tt.integrity, Integrity(err))
		})
	}
	assert.False(t, Retryable(errors.New("plain")))
}

func TestStatusRoundTrip(t *testing.T) {
	orig := New(CodeCursorInvalid, "firehose.Subscribe", "cursor 99 ahead of head 10")
	st := ToStatus(orig)

	s, ok := status.FromError(st)
	require.True(t, ok)
	assert.Equal(t, codes.OutOfRange, s.Code())

	back := FromStatus("client.Subscribe", st)
	assert.True(t, errors.Is(back, ErrCursorInvalid))
}

func TestFromStatusByGRPCCode(t *testing.T) {
	err := FromStatus("client.ListRepos", status.Error(codes.Unavailable, "connection refused"))
	assert.True(t, errors.Is(err, ErrTransportDisconnected))

	err = FromStatus("client.GetCommits", status.Error(codes.NotFound, "no such account"))
	assert.True(t, errors.Is(err, ErrNotFound))

	plain := errors.New("not a status")
	assert.Equal(t, plain, FromStatus("op", plain))
	assert.Nil(t, FromStatus("op", nil))
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(ErrConcurrentModification))
	assert.True(t, Recoverable(New(CodeSubscriberOverwhelmed, "firehose.Subscription", "behind")))
	assert.False(t, Recoverable(ErrChainBroken))
	assert.False(t, Recoverable(errors.New("plain")))
}
