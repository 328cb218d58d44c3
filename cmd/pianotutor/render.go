package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cbegin/pianotutor-go"
	"github.com/cbegin/pianotutor-go/internal/score"
)

var (
	wavOut     string
	midiOut    string
	sampleRate int
)

func init() {
	addSourceFlags(renderCmd)
	renderCmd.Flags().StringVarP(&wavOut, "out", "o", "out.wav", "output WAV file")
	renderCmd.Flags().IntVar(&sampleRate, "sample-rate", 0, "sample rate (default from config)")
	rootCmd.AddCommand(renderCmd)

	addSourceFlags(exportCmd)
	exportCmd.Flags().StringVarP(&midiOut, "out", "o", "out.mid", "output MIDI file")
	rootCmd.AddCommand(exportCmd)
}

var renderCmd = &cobra.Command{
	Use:   "render [file]",
	Short: "Render a composition to a WAV file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadComposition(args)
		if err != nil {
			return err
		}
		sr := sampleRate
		if sr <= 0 {
			sr = cfg.Audio.SampleRate
		}
		f, err := os.Create(wavOut)
		if err != nil {
			return err
		}
		if err := pianotutor.RenderWAV(f, c, sr); err != nil {
			f.Close()
			return err
		}
		log.WithFields(logrus.Fields{"file": wavOut, "rate": sr}).Info("rendered")
		return f.Close()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write a composition as a Standard MIDI File",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadComposition(args)
		if err != nil {
			return err
		}
		f, err := os.Create(midiOut)
		if err != nil {
			return err
		}
		if err := score.WriteSMF(f, c); err != nil {
			f.Close()
			return err
		}
		log.WithFields(logrus.Fields{"file": midiOut, "notes": len(c.Notes())}).Info("exported")
		return f.Close()
	},
}
