package insar

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	transient := Transient("submit", errors.New("remote returned 503"))
	require.True(t, IsTransient(transient))
	require.False(t, IsPermanent(transient))

	permanent := Permanent("submit", errors.New("remote returned 400"))
	require.True(t, IsPermanent(permanent))
	require.False(t, IsTransient(permanent))

	plain := errors.New("something else")
	require.False(t, IsTransient(plain))
	require.False(t, IsPermanent(plain))
}

func TestErrorClassification_SurvivesWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("poll job: %w", Transient("status", errors.New("timeout")))
	require.True(t, IsTransient(wrapped))

	wrapped = fmt.Errorf("submit job: %w", Permanent("submit", errors.New("bad bbox")))
	require.True(t, IsPermanent(wrapped))
}

func TestRemoteError_Message(t *testing.T) {
	t.Parallel()

	err := Permanent("artifacts", errors.New("unknown band"))
	require.Contains(t, err.Error(), "artifacts")
	require.Contains(t, err.Error(), "permanent")

	var re *RemoteError
	require.True(t, errors.As(err, &re))
	require.EqualError(t, re.Unwrap(), "unknown band")
}
