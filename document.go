package idxdb

import (
	"encoding/hex"
	"fmt"
	"maps"
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"
)

const (
	FieldID  = "_id"
	FieldRev = "_rev"

	// result fields of secondary index lookups
	FieldKey = "key"
	FieldDoc = "doc"
)

// Doc is a schemaless document. Every stored document carries FieldID and
// FieldRev; all other fields belong to the application.
type Doc map[string]any

// ID returns the document id, or "" if absent or not a string.
func (d Doc) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// Rev returns the revision string, or "" if absent.
func (d Doc) Rev() string {
	s, _ := d[FieldRev].(string)
	return s
}

// Clone returns a shallow copy of d.
func (d Doc) Clone() Doc {
	return maps.Clone(d)
}

// Meta identifies one revision of a document.
type Meta struct {
	ID  string
	Rev string
}

// Rev is a document revision. The high 32 bits count updates of the
// document, the low 32 bits are random, so concurrent writers never produce
// equal revisions and later revisions always compare greater by counter.
// The zero Rev means "no revision".
type Rev uint64

func firstRev() Rev {
	return Rev(1<<32 | uint64(rand.Uint32()))
}

func (r Rev) next() Rev {
	return Rev(uint64(r.Counter()+1)<<32 | uint64(rand.Uint32()))
}

func (r Rev) Counter() uint32 {
	return uint32(uint64(r) >> 32)
}

func (r Rev) IsZero() bool {
	return r == 0
}

func (r Rev) String() string {
	return fmt.Sprintf("%016x", uint64(r))
}

func ParseRev(s string) (Rev, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("invalid revision %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid revision %q", s)
	}
	return Rev(v), nil
}

// NewID returns a random 32-character hex document id.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func docRev(op string, doc Doc) (Rev, error) {
	raw, ok := doc[FieldRev]
	if !ok {
		return 0, precondf(op, "", nil, "document has no %s", FieldRev)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, precondf(op, "", nil, "%s is %T, expected string", FieldRev, raw)
	}
	rev, err := ParseRev(s)
	if err != nil {
		return 0, precondf(op, "", err, "bad %s", FieldRev)
	}
	return rev, nil
}

func (db *DB) docID(op string, doc Doc, generate bool) (string, error) {
	raw, ok := doc[FieldID]
	if !ok {
		if generate {
			return NewID(), nil
		}
		return "", precondf(op, "", nil, "document has no %s", FieldID)
	}
	id, ok := raw.(string)
	if !ok {
		return "", precondf(op, "", nil, "%s is %T, expected string", FieldID, raw)
	}
	if id == "" || len(id) > db.idSize {
		return "", precondf(op, "", nil, "%s must be 1..%d bytes, got %d", FieldID, db.idSize, len(id))
	}
	return id, nil
}
