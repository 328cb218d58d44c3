// Package errkind holds the error taxonomy shared by the playback and
// detection pipelines. Errors carry an ftag.Kind so callers can branch on the
// category without string matching, and wrap a sentinel so errors.Is works.
package errkind

import (
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

const (
	InvalidComposition ftag.Kind = "INVALID_COMPOSITION"
	DeviceUnavailable  ftag.Kind = "DEVICE_UNAVAILABLE"
	NoComposition      ftag.Kind = "NO_COMPOSITION"
	InvalidArgument    ftag.Kind = "INVALID_ARGUMENT"
)

var (
	ErrInvalidComposition = errors.New("invalid composition")
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrNoComposition      = errors.New("no composition loaded")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// Invalid reports a composition that cannot be loaded.
func Invalid(msg string) error {
	return fault.Wrap(ErrInvalidComposition, fmsg.With(msg), ftag.With(InvalidComposition))
}

// InvalidFrom is Invalid with an underlying decode error.
func InvalidFrom(cause error, msg string) error {
	return fault.Wrap(errors.Join(ErrInvalidComposition, cause), fmsg.With(msg), ftag.With(InvalidComposition))
}

// Device wraps a driver error as an unavailable audio or capture device.
// A nil cause still produces an error.
func Device(cause error, msg string) error {
	if cause == nil {
		return fault.Wrap(ErrDeviceUnavailable, fmsg.With(msg), ftag.With(DeviceUnavailable))
	}
	return fault.Wrap(errors.Join(ErrDeviceUnavailable, cause), fmsg.With(msg), ftag.With(DeviceUnavailable))
}

func NotLoaded(op string) error {
	return fault.Wrap(ErrNoComposition, fmsg.With(op), ftag.With(NoComposition))
}

func Argument(msg string) error {
	return fault.Wrap(ErrInvalidArgument, fmsg.With(msg), ftag.With(InvalidArgument))
}

// Is reports whether err carries the given kind.
func Is(err error, kind ftag.Kind) bool {
	if err == nil {
		return false
	}
	return ftag.Get(err) == kind
}
