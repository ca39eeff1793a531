package idxdb

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func setupSafe(t testing.TB, defs ...*IndexDef) *SafeDB {
	t.Helper()
	s := NewSafe(filepath.Join(t.TempDir(), "db"), testOptions())
	ensure(s.SetIndexes(defs...))
	ensure(s.Create())
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("** timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSafeDB_ConcurrentInserts(t *testing.T) {
	s := setupSafe(t, FieldIndex("email", "email"), tagIndex())

	const n = 200
	var g errgroup.Group
	g.SetLimit(16)
	for i := range n {
		g.Go(func() error {
			_, err := s.Insert(Doc{
				FieldID: fmt.Sprintf("doc%03d", i),
				"email": fmt.Sprintf("u%03d@x", i),
				"tags":  fmt.Sprintf("t%d,all", i%5),
			})
			return err
		})
	}
	noerr(t, g.Wait())

	deepEqual(t, must(s.Count(IDIndexName)), int64(n))
	deepEqual(t, must(s.Count("email")), int64(n))
	deepEqual(t, must(s.Count("tag")), int64(2*n))
	deepEqual(t, must(s.GetWith("email", "u123@x", ReadOptions{})).ID(), "doc123")
	deepEqual(t, len(must(s.GetMany("tag", "t3", ReadOptions{}).Collect())), n/5)
	noerr(t, s.Verify())

	st := must(s.Stats())
	deepEqual(t, st.Inserts, uint64(n))
	deepEqual(t, st.InFlight, 0)
}

func TestSafeDB_ConcurrentUpdatesOfOneDocument(t *testing.T) {
	s := setupSafe(t, FieldIndex("v", "v"), tagIndex())
	must(s.Insert(Doc{FieldID: "x", "v": "initial", "tags": "initial"}))

	const writers, rounds = 8, 25
	var g errgroup.Group
	for w := range writers {
		g.Go(func() error {
			for r := 0; r < rounds; {
				doc, err := s.Get("x")
				if err != nil {
					return err
				}
				v := fmt.Sprintf("w%d-%d", w, r)
				doc["v"], doc["tags"] = v, v+",common"
				_, err = s.Update(doc)
				if errors.Is(err, ErrRevisionConflict) {
					continue
				} else if err != nil {
					return err
				}
				r++
			}
			return nil
		})
	}
	noerr(t, g.Wait())

	doc := must(s.Get("x"))
	deepEqual(t, must(ParseRev(doc.Rev())).Counter(), uint32(1+writers*rounds))

	// exactly the final revision is indexed
	entries := must(s.All("v", ReadOptions{}).Collect())
	deepEqual(t, len(entries), 1)
	deepEqual(t, entries[0][FieldKey], any([]byte(doc["v"].(string))))
	deepEqual(t, entries[0].Rev(), doc.Rev())

	tags := must(s.All("tag", ReadOptions{}).Collect())
	deepEqual(t, len(tags), 2)
	for _, e := range tags {
		deepEqual(t, e.Rev(), doc.Rev())
	}
	deepEqual(t, s.Unsafe().revs.Len(), 0)
}

func TestSafeDB_WritesDuringReindex(t *testing.T) {
	s := setupSafe(t, FieldIndex("email", "email"), tagIndex())
	for i := range 100 {
		must(s.Insert(Doc{FieldID: fmt.Sprintf("doc%03d", i), "email": fmt.Sprintf("u%03d@x", i)}))
	}

	var g errgroup.Group
	g.Go(s.Reindex)
	g.Go(func() error {
		for i := range 100 {
			doc, err := s.Get(fmt.Sprintf("doc%03d", i))
			if err != nil {
				return err
			}
			if i%3 == 0 {
				if err := s.Delete(doc); err != nil {
					return err
				}
				continue
			}
			doc["email"] = fmt.Sprintf("v%03d@x", i)
			if _, err := s.Update(doc); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := range 50 {
			if _, err := s.Insert(Doc{FieldID: fmt.Sprintf("new%03d", i), "email": fmt.Sprintf("n%03d@x", i)}); err != nil {
				return err
			}
		}
		return nil
	})
	noerr(t, g.Wait())

	const live = 100 - 34 + 50
	deepEqual(t, must(s.Count(IDIndexName)), int64(live))
	deepEqual(t, must(s.Count("email")), int64(live))
	for _, spec := range s.Indexes() {
		deepEqual(t, spec.Built, true)
	}

	// the index matches what a rebuild from scratch produces
	before := must(s.All("email", ReadOptions{SkipStorage: true}).Collect())
	noerr(t, s.ReindexIndex("email"))
	after := must(s.All("email", ReadOptions{SkipStorage: true}).Collect())
	deepEqual(t, before, after)

	_, err := s.GetWith("email", "u001@x", ReadOptions{})
	iserr(t, err, ErrNotFound)
	deepEqual(t, must(s.GetWith("email", "v001@x", ReadOptions{})).ID(), "doc001")
	_, err = s.Get("doc003")
	iserr(t, err, ErrNotFound)
}

func TestSafeDB_ReadersDuringCompaction(t *testing.T) {
	s := setupSafe(t, FieldIndex("email", "email"))
	for i := range 50 {
		doc := Doc{FieldID: fmt.Sprintf("doc%02d", i), "email": fmt.Sprintf("u%02d@x", i)}
		must(s.Insert(doc))
		must(s.Update(doc))
	}

	var g errgroup.Group
	g.Go(s.Compact)
	for range 4 {
		g.Go(func() error {
			for i := range 50 {
				d, err := s.GetWith("email", fmt.Sprintf("u%02d@x", i), ReadOptions{WithDoc: true})
				if err != nil {
					return err
				}
				if d[FieldDoc].(Doc).ID() != d.ID() {
					return fmt.Errorf("doc %v does not match entry %v", d[FieldDoc], d)
				}
			}
			return nil
		})
	}
	noerr(t, g.Wait())

	for _, spec := range s.Indexes() {
		deepEqual(t, spec.Generation, uint64(1))
	}
	noerr(t, s.Verify())
}

func TestSafeDB_Lifecycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s := NewSafe(dir, testOptions())
	deepEqual(t, s.Exists(), false)
	noerr(t, s.Create())
	deepEqual(t, s.IsOpen(), true)
	must(s.Insert(Doc{FieldID: "a", "name": "Ann"}))

	noerr(t, s.AddIndex(FieldIndex("name", "name")))
	deepEqual(t, must(s.GetWith("name", "Ann", ReadOptions{})).ID(), "a")
	noerr(t, s.EditIndex(FieldIndex("name", "name").Version(2), false))
	noerr(t, s.Flush())
	noerr(t, s.Fsync())
	noerr(t, s.Close())

	s = NewSafe(dir, testOptions())
	noerr(t, s.SetIndexes(FieldIndex("name", "name").Version(2)))
	noerr(t, s.Open())
	deepEqual(t, must(s.GetWith("name", "Ann", ReadOptions{})).ID(), "a")
	deepEqual(t, s.Unsafe().ReindexedDocs.Load(), uint64(0))

	noerr(t, s.DestroyIndex("name"))
	deepEqual(t, len(s.Indexes()), 1)
	noerr(t, s.Destroy())
	deepEqual(t, s.Exists(), false)
}

func TestSafeDB_DeleteOfRevisionStillPropagating(t *testing.T) {
	s := setupSafe(t, FieldIndex("name", "name"))
	doc1 := must(s.Insert(Doc{FieldID: "a", "name": "Ann"}))

	// the update commits to the id index and waits for the name index
	releaseName := sync.OnceFunc(s.lock("name").Unlock)
	s.lock("name").Lock()
	defer releaseName()
	upd := Doc{FieldID: "a", FieldRev: doc1.Rev, "name": "Bob"}
	updated := make(chan error, 1)
	go func() {
		_, err := s.Update(upd)
		updated <- err
	}()
	waitFor(t, "update", func() bool { return must(s.Get("a")).Rev() != doc1.Rev })

	// the delete of that same revision claims the document and waits too
	doc2 := must(s.Get("a"))
	deleted := make(chan error, 1)
	go func() { deleted <- s.Delete(doc2) }()
	waitFor(t, "delete claim", func() bool { return s.Unsafe().revs.Deleting("a") })

	// the update finishes while the delete still has to remove the id entry
	releaseID := sync.OnceFunc(s.lock(IDIndexName).Unlock)
	s.lock(IDIndexName).Lock()
	defer releaseID()
	releaseName()
	noerr(t, <-updated)
	deepEqual(t, s.Unsafe().revs.Deleting("a"), true)
	waitFor(t, "name index cleanup", func() bool { return must(s.Count("name")) == 0 })
	releaseID()

	noerr(t, <-deleted)
	_, err := s.Get("a")
	iserr(t, err, ErrNotFound)
	deepEqual(t, must(s.Count("name")), int64(0))
	deepEqual(t, s.Unsafe().revs.Len(), 0)
	_, err = s.Update(doc2)
	iserr(t, err, ErrNotFound)
}

func TestSafeDB_IterationAcrossCompaction(t *testing.T) {
	nick := NewBoltIndex("nick", func(doc Doc) ([]Entry, error) {
		return []Entry{{Key: doc["nick"]}}, nil
	})
	s := setupSafe(t, FieldIndex("email", "email"), nick)
	var all []string
	for i := range 10 {
		id := fmt.Sprintf("doc%02d", i)
		all = append(all, id)
		must(s.Insert(Doc{FieldID: id, "email": fmt.Sprintf("u%02d@x", i), "nick": fmt.Sprintf("n%02d", i)}))
	}

	for _, name := range []string{IDIndexName, "email", "nick"} {
		t.Run(name, func(t *testing.T) {
			r := s.All(name, ReadOptions{})
			var got []string
			for r.Next() {
				got = append(got, r.Doc().ID())
				if len(got) == 3 {
					noerr(t, s.CompactIndex(name))
				}
			}
			noerr(t, r.Err())
			deepEqual(t, got, all)
		})
	}
}

func TestSafeDB_ReindexDuringIDCompaction(t *testing.T) {
	s := setupSafe(t, FieldIndex("email", "email"))
	for i := range 200 {
		must(s.Insert(Doc{FieldID: fmt.Sprintf("doc%03d", i), "email": fmt.Sprintf("u%03d@x", i)}))
	}

	var g errgroup.Group
	g.Go(func() error { return s.ReindexIndex("email") })
	g.Go(func() error { return s.CompactIndex(IDIndexName) })
	noerr(t, g.Wait())

	deepEqual(t, must(s.Count("email")), int64(200))
	noerr(t, s.Verify())
}
