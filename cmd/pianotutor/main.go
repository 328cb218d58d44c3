package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cbegin/pianotutor-go/internal/config"
	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/score"
)

var (
	log = logrus.New()
	cfg = config.DefaultConfig()

	debug      bool
	logFormat  string
	configPath string

	// composition source flags
	midiPath string
	title    string
	key      string
	meter    string
	tempo    int
	measures int
	noBass   bool
)

var rootCmd = &cobra.Command{
	Use:          "pianotutor",
	Short:        "Play practice pieces and check the notes you play",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logFormat == "json" {
			log.SetFormatter(&logrus.JSONFormatter{})
		}
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(lvl)
		}
		if debug {
			log.SetLevel(logrus.DebugLevel)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&debug, "debug", false, "enable debug logging")
	pf.StringVar(&logFormat, "log-format", "text", "log format: text|json")
	pf.StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/pianotutor/config.json)")
}

// addSourceFlags registers the flags that pick a composition. A positional
// .mid argument wins; any other file name is only mined for metadata.
func addSourceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&midiPath, "midi", "", "Standard MIDI File to load")
	f.StringVar(&title, "title", "", "title (default from file name or \"Untitled\")")
	f.StringVar(&key, "key", "", "key, e.g. \"G major\" or \"F# minor\"")
	f.StringVar(&meter, "time", "", "time signature, e.g. 3/4")
	f.IntVar(&tempo, "tempo", 0, "tempo in BPM")
	f.IntVar(&measures, "measures", 8, "measures to generate")
	f.BoolVar(&noBass, "no-bass", false, "generate the melody only")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func loadComposition(args []string) (*score.Composition, error) {
	path := midiPath
	if path == "" && len(args) > 0 {
		path = args[0]
	}
	meta := score.ParseMetadata(title, key, meter, tempo)
	if path != "" {
		guess := score.GuessMetadata(path)
		if title == "" {
			meta.Title = guess.Title
		}
		if key == "" {
			meta.Key = guess.Key
		}
		if meter == "" {
			meta.TimeSignature = guess.TimeSignature
		}
		if tempo == 0 {
			meta.Tempo = guess.Tempo
		}
	} else if tempo == 0 && cfg.Playback.Tempo > 0 {
		meta.Tempo = float64(cfg.Playback.Tempo)
	}

	if isMIDI(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, errkind.InvalidFrom(err, "open "+path)
		}
		defer f.Close()
		c, err := score.ReadSMF(f, meta)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"file": path, "measures": c.MeasureCount()}).Debug("midi file loaded")
		return c, nil
	}
	return score.Generate(meta, score.GenerateOptions{Measures: measures, Bass: !noBass})
}

func isMIDI(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mid", ".midi", ".smf":
		return true
	}
	return false
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
