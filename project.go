package glacier

import "errors"

type (
	// Project is the part of an editor session that the freeze tooling needs
	// to know about: the tracks, their live signal chains and the defaults
	// used when freezing them. It is the unit of yaml serialization for the
	// command line tools.
	Project struct {
		Name       string  `yaml:"name"`
		SampleRate int     `yaml:"samplerate"`
		Length     float64 `yaml:"length"` // song length in seconds
		Tracks     []Track `yaml:"tracks"`
	}

	// Track is one track of a project. NumUnits is the number of units in
	// the live signal chain; it only matters as a measure of how expensive
	// the live track is compared to its frozen form. Gain is the overall
	// gain of the effect chain, baked in when freezing with effects.
	Track struct {
		Name     string        `yaml:"name"`
		NumUnits int           `yaml:"numunits"`
		Gain     float64       `yaml:"gain,omitempty"`
		Freeze   FreezeOptions `yaml:"freeze,omitempty"`
	}
)

func (p *Project) Copy() Project {
	tracks := make([]Track, len(p.Tracks))
	copy(tracks, p.Tracks)
	ret := *p
	ret.Tracks = tracks
	return ret
}

func (p *Project) Validate() error {
	if p.SampleRate <= 0 {
		return errors.New("project samplerate should be > 0")
	}
	if p.Length <= 0 {
		return errors.New("project length should be > 0")
	}
	if len(p.Tracks) == 0 {
		return errors.New("project should have at least one track")
	}
	for _, t := range p.Tracks {
		if t.NumUnits < 0 {
			return errors.New("track cannot have a negative number of units")
		}
		if t.Freeze.TailLength < 0 {
			return errors.New("track freeze tail length cannot be negative")
		}
	}
	return nil
}

// ChainGain returns the gain of the track's effect chain, defaulting to unity
// when the project file does not set one.
func (t *Track) ChainGain() float64 {
	if t.Gain == 0 {
		return 1
	}
	return t.Gain
}
