package idxdb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreyvit/idxdb/storage"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrRevisionConflict  = errors.New("revision conflict")
	ErrDuplicateID       = errors.New("duplicate document id")
	ErrDuplicateKey      = errors.New("duplicate key in unique index")
	ErrPreconditions     = errors.New("preconditions failed")
	ErrNotOpen           = errors.New("database not open")
	ErrAlreadyOpen       = errors.New("database already open")
	ErrExists            = errors.New("database already exists")
	ErrIndexExists       = errors.New("index already exists")
	ErrIndexNotFound     = errors.New("index not found")
	ErrKeyTooLong        = errors.New("key too long")
	ErrUnsupported       = errors.New("operation not supported by index")
	ErrReindexInProgress = errors.New("reindex in progress")

	// ErrCorruption is matched by every *CorruptionError.
	ErrCorruption = storage.ErrCorrupted
)

// CorruptionError reports on-disk data that failed validation.
type CorruptionError = storage.CorruptionError

// PreconditionsError reports a programming error: an unknown index, an
// invalid definition, a missing revision and the like.
type PreconditionsError struct {
	Op    string
	Index string
	Msg   string
	Err   error
}

func precondf(op, index string, err error, format string, args ...any) error {
	return &PreconditionsError{op, index, fmt.Sprintf(format, args...), err}
}

func (e *PreconditionsError) Unwrap() error {
	return e.Err
}

func (e *PreconditionsError) Is(target error) bool {
	return target == ErrPreconditions
}

func (e *PreconditionsError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Op)
	if e.Index != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Index)
	}
	buf.WriteString(": ")
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// IndexError is a failure scoped to a single index.
type IndexError struct {
	Index string
	Key   []byte
	ID    string
	Msg   string
	Err   error
}

func indexErrf(index string, key []byte, id string, err error, format string, args ...any) *IndexError {
	return &IndexError{index, key, id, fmt.Sprintf(format, args...), err}
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

func (e *IndexError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Index)
	if e.Key != nil {
		buf.WriteByte('/')
		fmt.Fprintf(&buf, "%q", e.Key)
	}
	if e.ID != "" {
		buf.WriteByte('#')
		buf.WriteString(e.ID)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// PropagationError is returned together with a valid result when the id
// index accepted a change but some secondary indexes failed to follow.
// Those indexes should be reindexed.
type PropagationError struct {
	ID       string
	Rev      Rev
	Failures []*IndexError
}

func (e *PropagationError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "document %s rev %v: %d index(es) not updated", e.ID, e.Rev, len(e.Failures))
	for _, f := range e.Failures {
		buf.WriteString("; ")
		buf.WriteString(f.Error())
	}
	return buf.String()
}

func (e *PropagationError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Indexes lists the names of the indexes that failed.
func (e *PropagationError) Indexes() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Index
	}
	return names
}

// DataError reports bytes that could not be decoded. It matches
// ErrCorruption.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Is(target error) bool {
	return target == ErrCorruption
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}
