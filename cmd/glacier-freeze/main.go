package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/glacierdaw/glacier"
	"github.com/glacierdaw/glacier/engine"
	glacieroto "github.com/glacierdaw/glacier/oto"
	"github.com/glacierdaw/glacier/tracker"
	"github.com/glacierdaw/glacier/version"
)

func main() {
	directory := flag.String("o", "", "Directory where to write the frozen .wav artifacts. The directory and its parents are created if needed. When empty, artifacts are kept in memory only.")
	tracks := flag.String("t", "", "Comma-separated track indices to freeze. By default, all tracks are frozen.")
	watch := flag.Bool("watch", false, "Keep running and refreeze whenever the project file changes.")
	audition := flag.Bool("audition", false, "Play each successfully frozen track after rendering.")
	report := flag.Bool("report", false, "Print a freeze report after the pass.")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn or error.")
	help := flag.Bool("h", false, "Show help.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if flag.NArg() != 1 || *help {
		flag.Usage()
		os.Exit(0)
	}
	filename := flag.Arg(0)

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	run := func() error {
		project, err := loadProject(filename)
		if err != nil {
			return err
		}
		selected, err := selectTracks(*tracks, len(project.Tracks))
		if err != nil {
			return err
		}
		return freezePass(project, selected, *directory, *audition, *report, log)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !*watch {
		return
	}
	if err := watchLoop(filename, run, log); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func loadProject(filename string) (glacier.Project, error) {
	inputBytes, err := os.ReadFile(filename)
	if err != nil {
		return glacier.Project{}, fmt.Errorf("could not read file %v: %v", filename, err)
	}
	var project glacier.Project
	if errJSON := json.Unmarshal(inputBytes, &project); errJSON != nil {
		if errYaml := yaml.Unmarshal(inputBytes, &project); errYaml != nil {
			return glacier.Project{}, fmt.Errorf("the project could not be parsed as .json (%v) or .yml (%v)", errJSON, errYaml)
		}
	}
	if err := project.Validate(); err != nil {
		return glacier.Project{}, fmt.Errorf("invalid project %v: %v", filename, err)
	}
	return project, nil
}

func selectTracks(list string, numTracks int) ([]int, error) {
	if list == "" {
		all := make([]int, numTracks)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	var ret []int
	for _, field := range strings.Split(list, ",") {
		index, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("invalid track index %q: %v", field, err)
		}
		if index < 0 || index >= numTracks {
			return nil, fmt.Errorf("track index %d out of range, project has %d tracks", index, numTracks)
		}
		ret = append(ret, index)
	}
	return ret, nil
}

func freezePass(project glacier.Project, selected []int, dir string, audition, report bool, log zerolog.Logger) error {
	eng := engine.NewEngine(project, dir, log)
	broker := tracker.NewBroker()
	coord := tracker.NewCoordinator(eng, broker, log)
	observers := make([]*tracker.TrackObserver, len(project.Tracks))
	for i := range project.Tracks {
		observers[i] = tracker.NewTrackObserver(broker, coord, i, project.Tracks[i].Freeze)
	}
	defer func() {
		for _, o := range observers {
			o.Close()
		}
	}()

	started := time.Now()
	var g errgroup.Group
	for _, index := range selected {
		g.Go(func() error {
			opts := project.Tracks[index].Freeze
			progress := func(u glacier.ProgressUpdate) {
				log.Debug().Int("track", index).Int("percent", u.Percent).Str("stage", u.Stage).Msg("progress")
			}
			outcome, ok := coord.FreezeTrack(context.Background(), index, opts, progress)
			if !ok {
				return fmt.Errorf("track %d: freeze rejected", index)
			}
			if !outcome.Success {
				return fmt.Errorf("track %d: %s", index, outcome.Err)
			}
			return nil
		})
	}
	passErr := g.Wait()

	if report {
		if err := printReport(os.Stdout, project, observers, time.Since(started)); err != nil {
			return err
		}
	}
	if audition {
		if err := auditionFrozen(eng, selected, project.SampleRate, log); err != nil {
			return err
		}
	}
	return passErr
}

func auditionFrozen(eng *engine.Engine, selected []int, sampleRate int, log zerolog.Logger) error {
	ctx, err := glacieroto.NewContext(sampleRate)
	if err != nil {
		return fmt.Errorf("could not acquire oto context: %v", err)
	}
	for _, index := range selected {
		buffer, ok := eng.FrozenBuffer(index)
		if !ok {
			continue
		}
		log.Info().Int("track", index).Msg("auditioning frozen track")
		if err := ctx.PlayWait(buffer); err != nil {
			return fmt.Errorf("audition of track %d failed: %v", index, err)
		}
	}
	return nil
}

const reportTemplate = `Freeze report for {{ .Name }}
{{ range .Rows }}  {{ .Icon }} {{ printf "%-20s" (trunc 20 .Name) }} {{ .Label }}{{ if .Length }} {{ .Length }}, saves {{ .Savings }}{{ end }}{{ if .Err }} ({{ .Err }}){{ end }}
{{ end }}{{ .NumFrozen }}/{{ .NumTracks }} tracks frozen in {{ .Elapsed }}
`

type reportRow struct {
	Name, Icon, Label, Length, Savings, Err string
}

func printReport(w *os.File, project glacier.Project, observers []*tracker.TrackObserver, elapsed time.Duration) error {
	tmpl, err := template.New("report").Funcs(sprig.TxtFuncMap()).Parse(reportTemplate)
	if err != nil {
		return fmt.Errorf("could not parse report template: %v", err)
	}
	rows := make([]reportRow, len(observers))
	numFrozen := 0
	for i, o := range observers {
		rows[i] = reportRow{
			Name:    project.Tracks[i].Name,
			Icon:    o.StatusIcon(),
			Label:   o.StatusLabel(),
			Length:  o.FrozenLengthText(),
			Savings: o.CPUSavingsText(),
			Err:     o.ErrorText(),
		}
		if o.State() == glacier.StateFrozen {
			numFrozen++
		}
	}
	data := struct {
		Name      string
		Rows      []reportRow
		NumFrozen int
		NumTracks int
		Elapsed   time.Duration
	}{project.Name, rows, numFrozen, len(observers), elapsed.Round(time.Millisecond)}
	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("could not render report: %v", err)
	}
	return nil
}

func watchLoop(filename string, run func() error, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create watcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filename); err != nil {
		return fmt.Errorf("could not watch %v: %v", filename, err)
	}
	log.Info().Str("file", filename).Msg("watching for changes")
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// editors often fire several events per save
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("file", filename).Msg("project changed, refreezing")
			if err := run(); err != nil {
				log.Error().Err(err).Msg("freeze pass failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] projectfile\nFreezes the tracks of a project into rendered audio artifacts.\n", os.Args[0])
	flag.PrintDefaults()
}
