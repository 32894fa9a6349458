package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/pkg/api"
)

func TestCodecZeroCompletedAt(t *testing.T) {
	t.Parallel()

	run := sampleRun("r1", api.KindCopywriting, api.StatusRunning)
	require.True(t, run.CompletedAt.IsZero())

	data, err := EncodeRun(run)
	require.NoError(t, err)
	require.NotContains(t, string(data), "completed_at")

	got, err := DecodeRun(data)
	require.NoError(t, err)
	require.True(t, got.CompletedAt.IsZero(), "zero time must survive the round trip")
}

func TestCodecPreservesFailureDetails(t *testing.T) {
	t.Parallel()

	run := sampleRun("r1", api.KindImage, api.StatusFailed)
	run.Error = &api.RunError{
		Classification: api.ClassMaxRetriesExceeded,
		Message:        "generate_image: retries exhausted",
	}
	run.CompletedAt = time.Now()

	data, err := EncodeRun(run)
	require.NoError(t, err)

	got, err := DecodeRun(data)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	require.Equal(t, api.ClassMaxRetriesExceeded, got.Error.Classification)
	require.Equal(t, run.CompletedAt.UTC().Truncate(time.Nanosecond).Unix(), got.CompletedAt.Unix())
}

func TestCodecRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecodeRun([]byte("not json"))
	require.Error(t, err)
}
