package storage

import (
	"errors"
	"fmt"
)

// ErrCorrupted is matched by every *CorruptionError.
var ErrCorrupted = errors.New("corrupted data")

// CorruptionError reports bytes on disk that fail validation.
type CorruptionError struct {
	Path string
	Off  int64
	Data []byte
	Msg  string
	Err  error
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}

func (e *CorruptionError) Error() string {
	const maxData = 64
	s := fmt.Sprintf("%s@%d: %s", e.Path, e.Off, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	if n := len(e.Data); n > 0 {
		if n <= maxData {
			s += fmt.Sprintf(": (%d) %x", n, e.Data)
		} else {
			s += fmt.Sprintf(": (%d) %x...", n, e.Data[:maxData])
		}
	}
	return s
}

// Corruptf builds a *CorruptionError. Other on-disk formats of the database
// use it too, so all validation failures match ErrCorrupted.
func Corruptf(path string, off int64, data []byte, err error, format string, args ...any) error {
	return &CorruptionError{path, off, data, fmt.Sprintf(format, args...), err}
}
