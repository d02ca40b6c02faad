// Package engine contains an offline render engine: it renders a track's
// live signal chain block by block into a frozen audio buffer, optionally
// writing the result to a .wav artifact on disk. It implements
// glacier.RenderEngine and is the ground truth for which tracks are frozen.
package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/viterin/vek/vek32"

	"github.com/glacierdaw/glacier"
)

type (
	Engine struct {
		project  glacier.Project
		dir      string // artifact directory; empty keeps artifacts in memory only
		log      zerolog.Logger
		renderer Renderer

		// blockDelay is an artificial per-block render delay, observed at
		// the same checkpoints as cancellation.
		blockDelay time.Duration

		mu     sync.Mutex
		frozen map[int]*artifact
	}

	// Renderer synthesizes one block of a track's signal into buf, with
	// firstFrame giving the block's offset from the start of the render.
	// The default renderer is replaceable so the freeze machinery can be
	// exercised without caring about the audio content.
	Renderer interface {
		RenderBlock(track glacier.Track, opts glacier.FreezeOptions, buf glacier.AudioBuffer, firstFrame int) error
	}

	artifact struct {
		buffer glacier.AudioBuffer
		path   string
		length float64 // seconds
	}
)

// blockFrames is the number of stereo frames rendered between two
// cancellation checkpoints.
const blockFrames = 4096

func NewEngine(project glacier.Project, dir string, log zerolog.Logger) *Engine {
	return &Engine{
		project:  project,
		dir:      dir,
		log:      log,
		renderer: defaultRenderer{},
		frozen:   make(map[int]*artifact),
	}
}

// SetRenderer replaces the block renderer. A nil renderer restores the
// default one.
func (e *Engine) SetRenderer(r Renderer) {
	if r == nil {
		r = defaultRenderer{}
	}
	e.renderer = r
}

// SetBlockDelay makes every render block take at least d, so that freezes of
// short projects still have an observable in-flight phase.
func (e *Engine) SetBlockDelay(d time.Duration) {
	e.blockDelay = d
}

func (e *Engine) NumTracks() int {
	return len(e.project.Tracks)
}

func (e *Engine) TrackState(track int) glacier.TrackFreezeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.frozen[track]; ok {
		return glacier.StateFrozen
	}
	return glacier.StateLive
}

// Freeze renders the track to a frozen buffer, reporting progress as it
// goes. It returns the context error when cancelled at a block boundary;
// any other error means the render failed and no artifact was stored.
func (e *Engine) Freeze(ctx context.Context, track int, opts glacier.FreezeOptions, progress func(glacier.ProgressUpdate)) (glacier.OperationOutcome, error) {
	if track < 0 || track >= len(e.project.Tracks) {
		return glacier.OperationOutcome{}, fmt.Errorf("track %d does not exist", track)
	}
	if e.TrackState(track) == glacier.StateFrozen {
		return glacier.OperationOutcome{}, fmt.Errorf("track %d is already frozen", track)
	}
	t := e.project.Tracks[track]
	if opts.TailLength < 0 {
		opts.TailLength = 0
	}
	songFrames := int(e.project.Length * float64(e.project.SampleRate))
	totalFrames := songFrames + int(opts.TailLength*float64(e.project.SampleRate))

	buffer := make(glacier.AudioBuffer, totalFrames)
	started := time.Now()
	for first := 0; first < totalFrames; first += blockFrames {
		if err := e.checkpoint(ctx); err != nil {
			return glacier.OperationOutcome{}, err
		}
		end := first + blockFrames
		if end > totalFrames {
			end = totalFrames
		}
		if err := e.renderer.RenderBlock(t, opts, buffer[first:end], first); err != nil {
			return glacier.OperationOutcome{}, fmt.Errorf("render track %d: %w", track, err)
		}
		if progress != nil {
			progress(renderProgress(first+blockFrames, totalFrames, songFrames, started))
		}
	}

	path, err := e.writeArtifact(track, t, buffer)
	if err != nil {
		return glacier.OperationOutcome{}, err
	}
	if progress != nil {
		progress(glacier.ProgressUpdate{Percent: 100, Stage: "finalizing"})
	}
	length := buffer.Length(e.project.SampleRate)
	e.mu.Lock()
	e.frozen[track] = &artifact{buffer: buffer, path: path, length: length}
	e.mu.Unlock()
	e.log.Debug().Int("track", track).Float64("length", length).
		Float32("peak", peakLevel(buffer)).Str("path", path).Msg("frozen artifact stored")
	return glacier.OperationOutcome{Success: true, FrozenLength: length}, nil
}

// checkpoint is the cooperative cancellation point between render blocks.
func (e *Engine) checkpoint(ctx context.Context) error {
	if e.blockDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.blockDelay):
		return nil
	}
}

func (e *Engine) writeArtifact(track int, t glacier.Track, buffer glacier.AudioBuffer) (string, error) {
	if e.dir == "" {
		return "", nil
	}
	wav, err := buffer.Wav(e.project.SampleRate, true)
	if err != nil {
		return "", fmt.Errorf("track %d wav conversion: %w", track, err)
	}
	if err := os.MkdirAll(e.dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("could not create artifact directory %v: %w", e.dir, err)
	}
	path := filepath.Join(e.dir, artifactName(track, t.Name))
	if err := os.WriteFile(path, wav, 0644); err != nil {
		return "", fmt.Errorf("could not write artifact %v: %w", path, err)
	}
	return path, nil
}

// Unfreeze discards the frozen artifact, optionally deleting the .wav file.
// When the file cannot be deleted the artifact is kept, so the track stays
// frozen and the user can retry.
func (e *Engine) Unfreeze(track int, deleteAudio bool) (glacier.OperationOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.frozen[track]
	if !ok {
		return glacier.OperationOutcome{}, fmt.Errorf("track %d is not frozen", track)
	}
	if deleteAudio && a.path != "" {
		if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
			return glacier.OperationOutcome{}, fmt.Errorf("could not delete artifact %v: %w", a.path, err)
		}
	}
	delete(e.frozen, track)
	e.log.Debug().Int("track", track).Bool("deleteaudio", deleteAudio).Msg("frozen artifact discarded")
	return glacier.OperationOutcome{Success: true}, nil
}

// FrozenBuffer returns the frozen audio of a track, for auditioning.
func (e *Engine) FrozenBuffer(track int) (glacier.AudioBuffer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.frozen[track]
	if !ok {
		return nil, false
	}
	return a.buffer, true
}

// ArtifactPath returns the path of the track's .wav artifact, or an empty
// string when the artifact only lives in memory.
func (e *Engine) ArtifactPath(track int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.frozen[track]
	if !ok {
		return ""
	}
	return a.path
}

func renderProgress(rendered, totalFrames, songFrames int, started time.Time) glacier.ProgressUpdate {
	if rendered > totalFrames {
		rendered = totalFrames
	}
	stage := "rendering"
	if rendered > songFrames {
		stage = "writing tail"
	}
	u := glacier.ProgressUpdate{Percent: rendered * 100 / totalFrames, Stage: stage}
	if rendered > 0 && rendered < totalFrames {
		elapsed := time.Since(started)
		u.ETA = glacier.NewOptionalDuration(elapsed * time.Duration(totalFrames-rendered) / time.Duration(rendered))
	}
	return u
}

func peakLevel(buffer glacier.AudioBuffer) float32 {
	if len(buffer) == 0 {
		return 0
	}
	flat := make([]float32, 0, len(buffer)*2)
	for _, frame := range buffer {
		flat = append(flat, frame[0], frame[1])
	}
	vek32.Abs_Inplace(flat)
	return vek32.Max(flat)
}

func artifactName(track int, name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, name)
	name = strings.Trim(name, "-")
	if name == "" {
		return fmt.Sprintf("track%02d.wav", track)
	}
	return fmt.Sprintf("%02d-%s.wav", track, name)
}

// defaultRenderer synthesizes a fixed sine per track, with the chain gain
// baked in when freezing with effects. The audio content is a placeholder;
// the freeze machinery around it is what matters.
type defaultRenderer struct{}

func (defaultRenderer) RenderBlock(track glacier.Track, opts glacier.FreezeOptions, buf glacier.AudioBuffer, firstFrame int) error {
	freq := 110.0 * float64(track.NumUnits%8+1)
	gain := 0.25
	if opts.IncludeEffects {
		gain *= track.ChainGain()
	}
	for i := range buf {
		v := float32(gain * math.Sin(2*math.Pi*freq*float64(firstFrame+i)/44100))
		buf[i] = [2]float32{v, v}
	}
	return nil
}
