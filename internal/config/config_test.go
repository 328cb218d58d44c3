package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/pitch"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, 2048, cfg.Capture.FrameSize)
	assert.Equal(t, 120, cfg.Playback.Tempo)
	assert.Equal(t, "autocorrelation", cfg.Capture.Method)
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestPartialFileOverridesOnlyNamedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"capture":{"method":"yin","frameSize":4096},"playback":{"tempo":90}}`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "yin", cfg.Capture.Method)
	assert.Equal(t, 4096, cfg.Capture.FrameSize)
	assert.Equal(t, 44100, cfg.Capture.SampleRate)
	assert.Equal(t, 90, cfg.Playback.Tempo)
	assert.Equal(t, 1.0, cfg.Audio.Volume)

	det := cfg.Detector()
	assert.Equal(t, pitch.MethodYIN, det.Method)
	assert.Equal(t, 44100.0, det.SampleRate)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := DefaultConfig()
	cfg.Audio.Volume = 0.5
	cfg.Capture.Device = "USB Mic"
	require.NoError(t, cfg.Save())

	path, err := Path()
	require.NoError(t, err)
	assert.Equal(t, "pianotutor", filepath.Base(filepath.Dir(path)))

	got, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestInvalidFiles(t *testing.T) {
	cases := map[string]string{
		"syntax":     `{"audio":`,
		"rate":       `{"audio":{"sampleRate":0}}`,
		"band":       `{"capture":{"minFrequency":900,"maxFrequency":800}}`,
		"method":     `{"capture":{"method":"zero-crossing"}}`,
		"frame size": `{"capture":{"frameSize":16}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadFile(path)
			require.Error(t, err)
			if name != "syntax" {
				assert.ErrorIs(t, err, errkind.ErrInvalidArgument)
			}
		})
	}
}
