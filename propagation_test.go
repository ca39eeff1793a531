package idxdb

import (
	"log/slog"
	"path/filepath"
	"testing"
)

func TestIntentLog_PendingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), journalFile)
	opt := &Options{Logger: slog.Default(), NoSync: true}

	l, pending, err := openIntentLog(path, opt)
	noerr(t, err)
	isempty(t, pending)
	s1 := must(l.begin(opInsert, "a", 1))
	s2 := must(l.begin(opDelete, "b", 2))
	noerr(t, l.end(s1))
	noerr(t, l.Close())

	l, pending, err = openIntentLog(path, opt)
	noerr(t, err)
	deepEqual(t, pending, []intent{{Seq: s2, Op: opDelete, ID: "b", Rev: 2}})

	s3 := must(l.begin(opUpdate, "c", 3))
	deepEqual(t, s3 > s2, true)
	noerr(t, l.end(s3))
	noerr(t, l.reset())
	noerr(t, l.Close())

	l, pending, err = openIntentLog(path, opt)
	noerr(t, err)
	isempty(t, pending)
	noerr(t, l.Close())
}

func TestIntentLog_ResetsWhenLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), journalFile)
	opt := &Options{Logger: slog.Default(), NoSync: true, JournalMaxSize: 1}

	l, _, err := openIntentLog(path, opt)
	noerr(t, err)
	s1 := must(l.begin(opInsert, "a", 1))
	s2 := must(l.begin(opInsert, "b", 1))
	noerr(t, l.end(s1))
	// still in flight, so the journal keeps growing
	if l.j.Size() <= 1 {
		t.Errorf("** journal is empty with an intent in flight")
	}
	noerr(t, l.end(s2))
	size := l.j.Size()
	noerr(t, l.Close())

	l, pending, err := openIntentLog(path, opt)
	noerr(t, err)
	defer l.Close()
	isempty(t, pending)
	deepEqual(t, l.j.Size(), size)
}

func TestIntentLog_Nil(t *testing.T) {
	var l *intentLog
	seq, err := l.begin(opInsert, "a", 1)
	noerr(t, err)
	noerr(t, l.end(seq))
	noerr(t, l.reset())
	noerr(t, l.Sync())
	noerr(t, l.Close())
}
