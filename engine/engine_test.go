package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/glacierdaw/glacier"
	"github.com/glacierdaw/glacier/engine"
)

func testProject() glacier.Project {
	return glacier.Project{
		Name:       "test",
		SampleRate: 44100,
		Length:     0.2,
		Tracks: []glacier.Track{
			{Name: "Bass Drum", NumUnits: 5, Gain: 0.5},
			{Name: "Lead", NumUnits: 9},
		},
	}
}

func TestFreezeStoresArtifact(t *testing.T) {
	dir := t.TempDir()
	e := engine.NewEngine(testProject(), dir, zerolog.Nop())

	outcome, err := e.Freeze(context.Background(), 0, glacier.FreezeOptions{IncludeEffects: true, TailLength: 0.1}, nil)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.InDelta(t, 0.3, outcome.FrozenLength, 1e-3)
	require.Equal(t, glacier.StateFrozen, e.TrackState(0))
	require.Equal(t, glacier.StateLive, e.TrackState(1))

	buffer, ok := e.FrozenBuffer(0)
	require.True(t, ok)
	require.Len(t, buffer, int(0.3*44100))

	path := e.ArtifactPath(0)
	require.Equal(t, filepath.Join(dir, "00-bass-drum.wav"), path)
	wav, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "RIFF", string(wav[:4]))
	require.Equal(t, "WAVE", string(wav[8:12]))
}

func TestFreezeInMemoryOnly(t *testing.T) {
	e := engine.NewEngine(testProject(), "", zerolog.Nop())
	outcome, err := e.Freeze(context.Background(), 1, glacier.FreezeOptions{}, nil)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Empty(t, e.ArtifactPath(1))
	_, ok := e.FrozenBuffer(1)
	require.True(t, ok)
}

func TestFreezeProgressStages(t *testing.T) {
	e := engine.NewEngine(testProject(), "", zerolog.Nop())
	var updates []glacier.ProgressUpdate
	_, err := e.Freeze(context.Background(), 0, glacier.FreezeOptions{TailLength: 0.1}, func(u glacier.ProgressUpdate) {
		updates = append(updates, u)
	})
	require.NoError(t, err)
	require.NotEmpty(t, updates)
	stages := map[string]bool{}
	last := -1
	for _, u := range updates {
		require.GreaterOrEqual(t, u.Percent, last)
		require.LessOrEqual(t, u.Percent, 100)
		last = u.Percent
		stages[u.Stage] = true
	}
	require.True(t, stages["rendering"])
	require.True(t, stages["writing tail"])
	require.True(t, stages["finalizing"])
	require.Equal(t, 100, updates[len(updates)-1].Percent)
}

func TestFreezeCancelled(t *testing.T) {
	e := engine.NewEngine(testProject(), "", zerolog.Nop())
	e.SetBlockDelay(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Freeze(ctx, 0, glacier.FreezeOptions{}, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, glacier.StateLive, e.TrackState(0))
	_, ok := e.FrozenBuffer(0)
	require.False(t, ok)
}

func TestFreezeRejectsBadRequests(t *testing.T) {
	e := engine.NewEngine(testProject(), "", zerolog.Nop())
	_, err := e.Freeze(context.Background(), 5, glacier.FreezeOptions{}, nil)
	require.Error(t, err)

	_, err = e.Freeze(context.Background(), 0, glacier.FreezeOptions{}, nil)
	require.NoError(t, err)
	_, err = e.Freeze(context.Background(), 0, glacier.FreezeOptions{}, nil)
	require.Error(t, err) // already frozen
}

type failingRenderer struct{}

func (failingRenderer) RenderBlock(track glacier.Track, opts glacier.FreezeOptions, buf glacier.AudioBuffer, firstFrame int) error {
	return errors.New("synth crashed")
}

func TestFreezeRenderFailure(t *testing.T) {
	e := engine.NewEngine(testProject(), "", zerolog.Nop())
	e.SetRenderer(failingRenderer{})
	_, err := e.Freeze(context.Background(), 0, glacier.FreezeOptions{}, nil)
	require.ErrorContains(t, err, "synth crashed")
	require.Equal(t, glacier.StateLive, e.TrackState(0))
}

func TestUnfreeze(t *testing.T) {
	dir := t.TempDir()
	e := engine.NewEngine(testProject(), dir, zerolog.Nop())
	_, err := e.Freeze(context.Background(), 0, glacier.FreezeOptions{}, nil)
	require.NoError(t, err)
	path := e.ArtifactPath(0)
	require.FileExists(t, path)

	outcome, err := e.Unfreeze(0, true)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, glacier.StateLive, e.TrackState(0))
	require.NoFileExists(t, path)

	_, err = e.Unfreeze(0, false)
	require.Error(t, err) // not frozen anymore
}

func TestUnfreezeKeepsArtifactFile(t *testing.T) {
	dir := t.TempDir()
	e := engine.NewEngine(testProject(), dir, zerolog.Nop())
	_, err := e.Freeze(context.Background(), 0, glacier.FreezeOptions{}, nil)
	require.NoError(t, err)
	path := e.ArtifactPath(0)

	_, err = e.Unfreeze(0, false)
	require.NoError(t, err)
	require.FileExists(t, path)
}

func TestEffectsChangeRenderedSignal(t *testing.T) {
	e := engine.NewEngine(testProject(), "", zerolog.Nop())
	_, err := e.Freeze(context.Background(), 0, glacier.FreezeOptions{IncludeEffects: true}, nil)
	require.NoError(t, err)
	withFx, _ := e.FrozenBuffer(0)

	e2 := engine.NewEngine(testProject(), "", zerolog.Nop())
	_, err = e2.Freeze(context.Background(), 0, glacier.FreezeOptions{}, nil)
	require.NoError(t, err)
	dry, _ := e2.FrozenBuffer(0)

	require.Len(t, withFx, len(dry))
	require.NotEqual(t, dry, withFx) // chain gain of 0.5 was baked in
}
