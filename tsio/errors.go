package tsio

import (
	"errors"
	"fmt"
)

// Error kinds returned by every layer.  Callers test with errors.Is; the
// returned errors wrap one of these with context.
var (
	// ErrUnsupportedFormat is returned when a container's layout does not match the
	// claimed file type or uses a feature we cannot decode.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrNotFound is returned for missing paths and for chunks never written.
	ErrNotFound = errors.New("not found")

	// ErrOutOfRange is returned when a requested index range exceeds the dataset extents.
	ErrOutOfRange = errors.New("out of range")

	// ErrUnsupportedGeometry is returned when a chunk shape is invalid or incompatible
	// with a backend at creation time.
	ErrUnsupportedGeometry = errors.New("unsupported geometry")

	// ErrCorruptChunk is returned when an individual chunk fails to decode.
	ErrCorruptChunk = errors.New("corrupt chunk")

	// ErrClosedHandle is returned by any operation on a released reader, writer or session.
	ErrClosedHandle = errors.New("closed handle")
)

func UnsupportedFormatf(format string, args ...interface{}) error {
	return wrapf(ErrUnsupportedFormat, format, args...)
}

func NotFoundf(format string, args ...interface{}) error {
	return wrapf(ErrNotFound, format, args...)
}

func OutOfRangef(format string, args ...interface{}) error {
	return wrapf(ErrOutOfRange, format, args...)
}

func UnsupportedGeometryf(format string, args ...interface{}) error {
	return wrapf(ErrUnsupportedGeometry, format, args...)
}

func CorruptChunkf(format string, args ...interface{}) error {
	return wrapf(ErrCorruptChunk, format, args...)
}

func ClosedHandlef(format string, args ...interface{}) error {
	return wrapf(ErrClosedHandle, format, args...)
}

func wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
