package pianotutor

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/pianotutor-go/internal/capture"
	"github.com/cbegin/pianotutor-go/internal/pitch"
)

type Detection = pitch.Detection

// DetectionEvent is published once per captured frame.
type DetectionEvent struct {
	Detection
	// OK is false for silence, noise and pitches outside the piano range.
	OK    bool
	Level float64
}

type ListenerOption func(*listenerConfig)

type listenerConfig struct {
	capture  capture.Config
	detector *pitch.Config
	open     func(capture.Config) (capture.Source, error)
	notes    *ActiveNotes
	logger   logrus.FieldLogger
}

func WithCaptureConfig(cfg capture.Config) ListenerOption {
	return func(c *listenerConfig) {
		c.capture = cfg
	}
}

// WithDetectorConfig overrides the detector settings. SampleRate is always
// taken from the capture source.
func WithDetectorConfig(cfg pitch.Config) ListenerOption {
	return func(c *listenerConfig) {
		c.detector = &cfg
	}
}

// WithCaptureSource replaces the microphone, e.g. with a file or a test
// signal.
func WithCaptureSource(open func(capture.Config) (capture.Source, error)) ListenerOption {
	return func(c *listenerConfig) {
		c.open = open
	}
}

func WithSharedNotes(notes *ActiveNotes) ListenerOption {
	return func(c *listenerConfig) {
		c.notes = notes
	}
}

func WithListenerLogger(logger logrus.FieldLogger) ListenerOption {
	return func(c *listenerConfig) {
		c.logger = logger
	}
}

// Listener runs the pitch detector over microphone frames on its own
// goroutine.
type Listener struct {
	cfg listenerConfig
	log logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	eventCh   chan DetectionEvent
	eventChMu sync.Mutex
}

func NewListener(opts ...ListenerOption) *Listener {
	cfg := listenerConfig{
		open: func(c capture.Config) (capture.Source, error) {
			return capture.Open(c)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logrus.StandardLogger()
	}
	if cfg.notes == nil {
		cfg.notes = NewActiveNotes()
	}
	cfg.capture.Logger = cfg.logger
	return &Listener{cfg: cfg, log: cfg.logger.WithField("component", "listener")}
}

// Start opens the capture session and begins detecting. It returns a
// DeviceUnavailable error when the microphone cannot be acquired. Calling
// Start while running does nothing. Cancelling ctx stops the listener.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	src, err := l.cfg.open(l.cfg.capture)
	if err != nil {
		return err
	}
	dc := pitch.DefaultConfig(float64(src.SampleRate()))
	if l.cfg.detector != nil {
		dc = *l.cfg.detector
		dc.SampleRate = float64(src.SampleRate())
	}
	det := pitch.New(dc)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.log.WithField("method", det.Config().Method).Debug("listening")
	go l.run(ctx, src, det, done)
	return nil
}

func (l *Listener) run(ctx context.Context, src capture.Source, det *pitch.Detector, done chan struct{}) {
	defer close(done)
	defer func() {
		// ended by ctx or the source rather than Stop
		l.mu.Lock()
		if l.done == done {
			l.cancel()
			l.cancel, l.done = nil, nil
		}
		l.mu.Unlock()
	}()
	defer l.cfg.notes.SetDetected(nil)
	defer func() {
		if err := src.Close(); err != nil {
			l.log.WithError(err).Warn("close capture")
		}
	}()
	frames := src.Frames()
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if floor := det.LowestFrequency(len(frame)); !warned && floor > det.Config().MinFrequency {
				l.log.WithFields(logrus.Fields{
					"frame":   len(frame),
					"floor":   floor,
					"minimum": det.Config().MinFrequency,
				}).Warn("frames too short for the lowest pitch")
				warned = true
			}
			d, found := det.Detect(frame)
			if found {
				l.cfg.notes.SetDetected([]int{d.MIDI})
			} else {
				l.cfg.notes.SetDetected(nil)
			}
			l.sendEvent(DetectionEvent{Detection: d, OK: found, Level: pitch.RMS(frame)})
		}
	}
}

// Stop ends detection and releases the capture session, whether or not
// anything was detected. It is safe to call at any time.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Listener) ActiveNotes() *ActiveNotes { return l.cfg.notes }

// Watch returns a channel of detection events, buffered (cap 8); events are
// dropped while it is full. Only the most recent Watch() channel receives
// events.
func (l *Listener) Watch() <-chan DetectionEvent {
	ch := make(chan DetectionEvent, 8)
	l.eventChMu.Lock()
	l.eventCh = ch
	l.eventChMu.Unlock()
	return ch
}

func (l *Listener) sendEvent(ev DetectionEvent) {
	l.eventChMu.Lock()
	ch := l.eventCh
	l.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
		}
	}
}
