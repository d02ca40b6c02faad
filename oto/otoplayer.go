// Package oto wraps the oto audio library so frozen tracks can be
// auditioned after rendering.
package oto

import (
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/glacierdaw/glacier"
)

type Context struct {
	ctx        *oto.Context
	sampleRate int
}

// NewContext creates an audio context for auditioning, blocking until the
// audio device is ready.
func NewContext(sampleRate int) (*Context, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	<-ready
	return &Context{ctx: ctx, sampleRate: sampleRate}, nil
}

// PlayWait plays the buffer and blocks until playback has finished.
func (c *Context) PlayWait(buffer glacier.AudioBuffer) error {
	player := c.ctx.NewPlayer(buffer.Source())
	player.Play()
	for player.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}
	if err := player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}
