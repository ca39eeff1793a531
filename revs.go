package idxdb

import (
	"slices"
	"sync"
)

// revTracker records which revision of a document is currently being
// propagated to secondary indexes. Every method is a single atomic step, so
// callers never check and act in two separate critical sections.
//
// Lock order: an index lock may be held while calling the tracker, never the
// other way around.
type revTracker struct {
	mu     sync.Mutex
	seq    uint64
	claims map[string]claim
}

// claimSeq identifies one claim. Two writers can carry the same revision (an
// update and the delete that supersedes it), so ownership is decided by the
// claim, not by the revision.
type claimSeq uint64

type claim struct {
	seq      claimSeq
	rev      Rev
	deleting bool

	// docs are earlier revisions whose entries secondary indexes may still
	// hold. Owners that stop early hand them over to the next owner.
	docs []Doc
}

func newRevTracker() *revTracker {
	return &revTracker{claims: make(map[string]claim)}
}

func (t *revTracker) put(id string, c claim) claimSeq {
	t.seq++
	c.seq = claimSeq(t.seq)
	t.claims[id] = c
	return c.seq
}

// TryClaim makes rev the owner of id's propagation. It succeeds if nobody
// owns id, or the owner is an update with an older revision. It fails while
// a delete of id is in progress.
//
// prev is the revision being replaced. The result lists every document
// whose entries the new owner has to remove: prev plus whatever a
// superseded owner had not cleaned up yet.
func (t *revTracker) TryClaim(id string, rev Rev, prev Doc) (claimSeq, []Doc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.claims[id]
	if ok && (c.deleting || c.rev.Counter() >= rev.Counter()) {
		return 0, nil, false
	}
	docs := inherit(c.docs, prev)
	return t.put(id, claim{rev: rev, docs: docs}), docs, true
}

// ClaimDelete takes ownership of id for deleting doc at revision rev,
// superseding any update in progress, including one that carries the same
// revision. Like TryClaim, it returns the documents whose entries have to
// be removed.
func (t *revTracker) ClaimDelete(id string, rev Rev, doc Doc) (claimSeq, []Doc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	docs := inherit(t.claims[id].docs, doc)
	return t.put(id, claim{rev: rev, deleting: true, docs: docs}), docs
}

func inherit(docs []Doc, doc Doc) []Doc {
	if doc == nil {
		return docs
	}
	// clipped so that the next owner's append never writes into a slice
	// handed out earlier
	return append(slices.Clip(docs), doc)
}

// Owns reports whether the claim seq still owns id.
func (t *revTracker) Owns(id string, seq claimSeq) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.claims[id]
	return ok && c.seq == seq
}

// Deleting reports whether a delete of id is in progress.
func (t *revTracker) Deleting(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claims[id].deleting
}

// ReleaseIf drops the claim on id if seq still owns it.
func (t *revTracker) ReleaseIf(id string, seq claimSeq) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.claims[id]; ok && c.seq == seq {
		delete(t.claims, id)
		return true
	}
	return false
}

func (t *revTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.claims)
}
