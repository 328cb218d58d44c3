package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/cbegin/pianotutor-go"
	"github.com/cbegin/pianotutor-go/internal/capture"
	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/pitch"
)

var (
	device      string
	method      string
	listDevices bool
)

func init() {
	f := listenCmd.Flags()
	f.StringVar(&device, "device", "", "input device name (default from config, then system default)")
	f.StringVar(&method, "method", "", "detector: autocorrelation|yin (default from config)")
	f.BoolVar(&listDevices, "list-devices", false, "list input devices and exit")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Show the note heard on the microphone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listDevices {
			names, err := capture.Devices()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		}
		l, err := newListener(nil)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		events := l.Watch()
		if err := l.Start(ctx); err != nil {
			return err
		}
		defer l.Stop()
		log.Info("listening, press Ctrl+C to stop")

		last := -1
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case ev := <-events:
				if !ev.OK {
					if last != -1 {
						fmt.Printf("\r%-32s", "--")
						last = -1
					}
					continue
				}
				last = ev.MIDI
				fmt.Printf("\r%-4s %8.1f Hz %+4.0f cents  ", fmt.Sprintf("%s%d", ev.Name, ev.Octave), ev.Frequency, ev.Cents)
			}
		}
	},
}

func newListener(notes *pianotutor.ActiveNotes) (*pianotutor.Listener, error) {
	det := cfg.Detector()
	if method != "" {
		m, ok := pitch.ParseMethod(method)
		if !ok {
			return nil, errkind.Argument(fmt.Sprintf("unknown method %q", method))
		}
		det.Method = m
	}
	dev := cfg.Capture.Device
	if device != "" {
		dev = device
	}
	opts := []pianotutor.ListenerOption{
		pianotutor.WithCaptureConfig(capture.Config{
			SampleRate: cfg.Capture.SampleRate,
			FrameSize:  cfg.Capture.FrameSize,
			Device:     dev,
		}),
		pianotutor.WithDetectorConfig(det),
		pianotutor.WithListenerLogger(log),
	}
	if notes != nil {
		opts = append(opts, pianotutor.WithSharedNotes(notes))
	}
	return pianotutor.NewListener(opts...), nil
}
