package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapMatchesSentinel(t *testing.T) {
	err := Wrap(KindCaptureFailed, "open video", fmt.Errorf("x11grab: no such window"))

	require.True(t, Is(err, ErrCaptureFailed))
	require.False(t, Is(err, ErrUserCancelled))
	require.Equal(t, KindCaptureFailed, KindOf(err))
	require.Equal(t, "open video: capture failed: x11grab: no such window", err.Error())
}

func TestKindOfSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("start: %w", ErrAlreadyRecording)

	require.Equal(t, KindAlreadyRecording, KindOf(err))
	require.True(t, Is(err, ErrAlreadyRecording))
}

func TestKindOfPlainError(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, KindUnknown, KindOf(New("boom")))
}

func TestSentinelMessages(t *testing.T) {
	require.Equal(t, "no data captured (empty recording)", ErrEmptyRecording.Error())
	require.Equal(t, "upload failed: denied", Wrap(KindUploadFailed, "", New("denied")).Error())
}
