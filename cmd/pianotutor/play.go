package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cbegin/pianotutor-go"
	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/theory"
)

var (
	loopRange string
	loops     int
	mute      []int
	volume    float64
	start     int
)

func init() {
	addSourceFlags(playCmd)
	f := playCmd.Flags()
	f.StringVar(&loopRange, "loop", "", "loop measures, e.g. 3-4")
	f.IntVar(&loops, "loops", 0, "with --loop, stop after N loops (0 = until interrupted)")
	f.IntSliceVar(&mute, "mute", nil, "voices to mute, e.g. 1 for the left hand")
	f.Float64Var(&volume, "volume", -1, "master volume scalar (default from config)")
	f.IntVar(&start, "start", 1, "measure to start from")
	rootCmd.AddCommand(playCmd)
}

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play a composition through the speakers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadComposition(args)
		if err != nil {
			return err
		}
		pl, err := pianotutor.NewPlayer(
			pianotutor.WithSampleRate(cfg.Audio.SampleRate),
			pianotutor.WithLogger(log),
		)
		if err != nil {
			return err
		}
		defer pl.Close()
		if err := pl.DeviceErr(); err != nil {
			return err
		}
		if volume < 0 {
			volume = cfg.Audio.Volume
		}
		pl.SetMasterVolume(volume)
		if err := pl.Load(c); err != nil {
			return err
		}
		for _, v := range mute {
			pl.SetMuted(v, true)
		}
		if loopRange != "" {
			from, to, err := parseRange(loopRange)
			if err != nil {
				return err
			}
			if err := pl.SetLoop(from, to); err != nil {
				return err
			}
		}
		if start > 1 {
			if err := pl.SeekMeasure(start); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		events := pl.Watch()
		progress := pl.WatchProgress()
		log.WithFields(logrus.Fields{
			"title":    c.Title(),
			"tempo":    pl.Tempo(),
			"duration": fmt.Sprintf("%.1fs", pl.TotalDuration()),
		}).Info("playing")
		if err := pl.Play(); err != nil {
			return err
		}
		return follow(ctx, pl, events, progress)
	},
}

func follow(ctx context.Context, pl *pianotutor.Player, events <-chan pianotutor.PlaybackEvent, progress <-chan pianotutor.Progress) error {
	completed := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return pl.Stop()
		case p := <-progress:
			fmt.Printf("\r%6.2fs  measure %3d  beat %4.2f  %-24s", p.Seconds, p.Measure, p.MeasureBeat+1, noteList(p.ActiveNotes))
		case ev := <-events:
			switch ev.Kind {
			case pianotutor.EventLoopCompleted:
				completed++
				log.WithField("count", completed).Debug("loop completed")
				if loops > 0 && completed >= loops {
					fmt.Println()
					return pl.Stop()
				}
			case pianotutor.EventPlaybackEnded:
				fmt.Println()
				log.Info("playback completed")
				return nil
			}
		}
	}
}

func noteList(notes []int) string {
	names := make([]string, len(notes))
	for i, n := range notes {
		names[i] = theory.PitchString(n)
	}
	return strings.Join(names, " ")
}

func parseRange(s string) (int, int, error) {
	a, b, found := strings.Cut(s, "-")
	from, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return 0, 0, errkind.Argument(fmt.Sprintf("bad measure range %q", s))
	}
	if !found {
		return from, from, nil
	}
	to, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return 0, 0, errkind.Argument(fmt.Sprintf("bad measure range %q", s))
	}
	return from, to, nil
}
