// Package capture owns the microphone. A Session delivers fixed-size mono
// float32 frames on a channel until it is closed.
package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cbegin/pianotutor-go/internal/errkind"
)

const (
	DefaultSampleRate = 44100
	DefaultFrameSize  = 2048
	defaultBuffer     = 8
)

// Source is anything that produces mono frames; Session is the device one.
type Source interface {
	Frames() <-chan []float32
	SampleRate() int
	Close() error
}

type Config struct {
	SampleRate int
	FrameSize  int
	// Device selects an input by name; empty means the system default.
	Device string
	// Buffer is the frame channel capacity. Frames arriving while it is full
	// are dropped.
	Buffer int
	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// busy enforces one open session per process.
var busy atomic.Bool

type Session struct {
	ID uuid.UUID

	cfg     Config
	log     logrus.FieldLogger
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	mu      sync.Mutex
	closed  bool
	frames  chan []float32
	framer  *framer
	dropped atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Open acquires the input device and starts capturing. Failure to get the
// device, including a denied permission, is reported as DeviceUnavailable.
func Open(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if !busy.CompareAndSwap(false, true) {
		return nil, errkind.Device(nil, "capture session already open")
	}
	s := &Session{
		ID:     uuid.New(),
		cfg:    cfg,
		frames: make(chan []float32, cfg.Buffer),
		framer: newFramer(cfg.FrameSize),
	}
	s.log = cfg.Logger.WithFields(logrus.Fields{"component": "capture", "session": s.ID})
	if err := s.start(); err != nil {
		s.release()
		busy.Store(false)
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"rate": cfg.SampleRate, "frame": cfg.FrameSize}).Debug("capture started")
	return s, nil
}

func (s *Session) start() error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.log.Debug(message)
	})
	if err != nil {
		return errkind.Device(err, "init capture context")
	}
	s.ctx = ctx

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = 1
	dc.SampleRate = uint32(s.cfg.SampleRate)
	dc.Alsa.NoMMap = 1
	if s.cfg.Device != "" {
		info, err := findDevice(ctx, s.cfg.Device)
		if err != nil {
			return err
		}
		dc.Capture.DeviceID = info.ID.Pointer()
	}

	device, err := malgo.InitDevice(ctx.Context, dc, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		return errkind.Device(err, "open capture device")
	}
	s.device = device
	if err := device.Start(); err != nil {
		return errkind.Device(err, "start capture device")
	}
	return nil
}

func (s *Session) onData(_, input []byte, _ uint32) {
	if len(input) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.framer.push(decodeF32(input), func(frame []float32) {
		select {
		case s.frames <- frame:
		default:
			s.dropped.Add(1)
		}
	})
}

func (s *Session) Frames() <-chan []float32 { return s.frames }

func (s *Session) SampleRate() int { return s.cfg.SampleRate }

// Dropped returns the number of frames discarded because the reader fell
// behind.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Close stops the device, closes the frame channel and releases the
// session. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.release()
		busy.Store(false)
		s.log.WithField("dropped", s.dropped.Load()).Debug("capture closed")
	})
	return s.closeErr
}

func (s *Session) release() {
	if s.device != nil {
		if err := s.device.Stop(); err != nil {
			s.closeErr = errkind.Device(err, "stop capture device")
		}
		s.device.Uninit()
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	s.mu.Unlock()
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
	}
}

// Devices lists the names of the available inputs.
func Devices() ([]string, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errkind.Device(err, "init capture context")
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errkind.Device(err, "list capture devices")
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func findDevice(ctx *malgo.AllocatedContext, name string) (*malgo.DeviceInfo, error) {
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errkind.Device(err, "list capture devices")
	}
	for i := range infos {
		if infos[i].Name() == name {
			return &infos[i], nil
		}
	}
	return nil, errkind.Device(nil, fmt.Sprintf("no capture device named %q", name))
}

func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// framer regroups driver callbacks of any length into frames of exactly
// size samples.
type framer struct {
	size int
	buf  []float32
}

func newFramer(size int) *framer {
	return &framer{size: size, buf: make([]float32, 0, size)}
}

func (f *framer) push(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			emit(f.buf)
			f.buf = make([]float32, 0, f.size)
		}
	}
}
