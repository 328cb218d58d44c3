// Package config stores user preferences in a JSON file under the user's
// config directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"

	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/pitch"
	"github.com/cbegin/pianotutor-go/internal/score"
)

const appName = "pianotutor"

// AudioConfig controls the output device.
type AudioConfig struct {
	SampleRate int     `json:"sampleRate"`
	Volume     float64 `json:"volume"`
}

// CaptureConfig controls the microphone and the detector.
type CaptureConfig struct {
	Device       string  `json:"device,omitempty"`
	SampleRate   int     `json:"sampleRate"`
	FrameSize    int     `json:"frameSize"`
	Method       string  `json:"method"`
	MinFrequency float64 `json:"minFrequency"`
	MaxFrequency float64 `json:"maxFrequency"`
	Threshold    float64 `json:"threshold"`
	YINThreshold float64 `json:"yinThreshold"`
	MinimumLevel float64 `json:"minimumLevel"`
}

// PlaybackConfig holds scheduler defaults.
type PlaybackConfig struct {
	Tempo            int `json:"tempo"`
	ProgressInterval int `json:"progressIntervalMs"`
}

type Config struct {
	Audio    AudioConfig    `json:"audio"`
	Capture  CaptureConfig  `json:"capture"`
	Playback PlaybackConfig `json:"playback"`
	LogLevel string         `json:"logLevel,omitempty"`
}

func DefaultConfig() *Config {
	det := pitch.DefaultConfig(44100)
	return &Config{
		Audio: AudioConfig{SampleRate: 44100, Volume: 1},
		Capture: CaptureConfig{
			SampleRate:   44100,
			FrameSize:    2048,
			Method:       det.Method.String(),
			MinFrequency: det.MinFrequency,
			MaxFrequency: det.MaxFrequency,
			Threshold:    det.Threshold,
			YINThreshold: det.YINThreshold,
			MinimumLevel: det.MinRMS,
		},
		Playback: PlaybackConfig{Tempo: score.DefaultTempo, ProgressInterval: 100},
		LogLevel: "info",
	}
}

// Dir returns $XDG_CONFIG_HOME/pianotutor, falling back to
// ~/.config/pianotutor.
func Dir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

// Path returns the full path to config.json.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from the default path, or returns defaults if there
// is none.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults, so a partial file only overrides
// the fields it names. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fault.Wrap(err, fmsg.With("read config"))
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fault.Wrap(err, fmsg.With("parse "+path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Audio.SampleRate <= 0:
		return errkind.Argument(fmt.Sprintf("audio.sampleRate %d must be positive", c.Audio.SampleRate))
	case c.Audio.Volume < 0:
		return errkind.Argument("audio.volume must not be negative")
	case c.Capture.SampleRate <= 0:
		return errkind.Argument(fmt.Sprintf("capture.sampleRate %d must be positive", c.Capture.SampleRate))
	case c.Capture.FrameSize < 64:
		return errkind.Argument(fmt.Sprintf("capture.frameSize %d is too small", c.Capture.FrameSize))
	case c.Capture.MinFrequency >= c.Capture.MaxFrequency:
		return errkind.Argument("capture.minFrequency must be below maxFrequency")
	case c.Playback.Tempo < 0:
		return errkind.Argument("playback.tempo must not be negative")
	}
	if _, ok := pitch.ParseMethod(c.Capture.Method); !ok {
		return errkind.Argument(fmt.Sprintf("capture.method %q is unknown", c.Capture.Method))
	}
	return nil
}

// Detector builds the detector configuration for the capture section.
func (c *Config) Detector() pitch.Config {
	cfg := pitch.DefaultConfig(float64(c.Capture.SampleRate))
	cfg.Method, _ = pitch.ParseMethod(c.Capture.Method)
	cfg.MinFrequency = c.Capture.MinFrequency
	cfg.MaxFrequency = c.Capture.MaxFrequency
	cfg.Threshold = c.Capture.Threshold
	cfg.YINThreshold = c.Capture.YINThreshold
	cfg.MinRMS = c.Capture.MinimumLevel
	return cfg
}

// Save writes the config to the default path.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return c.SaveFile(path)
}

func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrap(err, fmsg.With("create config dir"))
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
