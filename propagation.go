package idxdb

import (
	"context"
	"log/slog"
	"sync"

	"github.com/andreyvit/idxdb/journal"
)

const (
	journalFile           = "_journal.bin"
	defaultJournalMaxSize = 4 * 1024 * 1024
)

type intentOp string

const (
	opInsert  intentOp = "insert"
	opUpdate  intentOp = "update"
	opDelete  intentOp = "delete"
	opReindex intentOp = "reindex"
)

// intent is a journal record. A begin record names the document being
// propagated; the end record repeats its sequence number.
type intent struct {
	Seq uint64   `msgpack:"s"`
	Op  intentOp `msgpack:"o,omitempty"`
	ID  string   `msgpack:"i,omitempty"`
	Rev Rev      `msgpack:"r,omitempty"`
	End bool     `msgpack:"e,omitempty"`
}

// intentLog journals propagation to secondary indexes, so that a crash
// midway is detected on the next open. A nil *intentLog does nothing.
type intentLog struct {
	j       *journal.Journal
	sync    bool
	maxSize int64
	logger  *slog.Logger

	mu       sync.Mutex
	seq      uint64
	inflight int
}

func openIntentLog(path string, opt *Options) (*intentLog, []intent, error) {
	j, err := journal.Open(path, journal.Options{
		DebugName: "idxdb-journal",
		NoSync:    opt.NoSync,
		Logger:    opt.Logger,
		Verbose:   opt.Verbose,
	})
	if err != nil {
		return nil, nil, err
	}
	l := &intentLog{
		j:       j,
		sync:    opt.SyncJournal,
		maxSize: opt.JournalMaxSize,
		logger:  opt.Logger,
	}
	if l.maxSize == 0 {
		l.maxSize = defaultJournalMaxSize
	}
	if n := j.Trimmed(); n > 0 {
		l.logger.LogAttrs(context.Background(), slog.LevelWarn, "idxdb: journal tail trimmed", slog.Int64("bytes", n))
	}

	open := make(map[uint64]intent)
	var order []uint64
	for _, rec := range j.Records() {
		var in intent
		if err := decodeValue(rec.Data, &in); err != nil {
			l.logger.LogAttrs(context.Background(), slog.LevelWarn, "idxdb: bad journal record", slog.Any("err", err))
			continue
		}
		if in.End {
			delete(open, in.Seq)
		} else {
			open[in.Seq] = in
			order = append(order, in.Seq)
		}
		l.seq = max(l.seq, in.Seq)
	}
	var pending []intent
	for _, seq := range order {
		if in, ok := open[seq]; ok {
			pending = append(pending, in)
		}
	}
	return l, pending, nil
}

func (l *intentLog) begin(op intentOp, id string, rev Rev) (uint64, error) {
	if l == nil {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	seq := l.seq
	if err := l.write(intent{Seq: seq, Op: op, ID: id, Rev: rev}); err != nil {
		return 0, err
	}
	l.inflight++
	return seq, nil
}

func (l *intentLog) end(seq uint64) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight--
	if err := l.write(intent{Seq: seq, End: true}); err != nil {
		return err
	}
	if l.inflight == 0 && l.j.Size() > l.maxSize {
		return l.j.Reset()
	}
	return nil
}

func (l *intentLog) write(in intent) error {
	data, err := encodeValue(in)
	if err != nil {
		return err
	}
	if err := l.j.WriteRecord(0, data); err != nil {
		return err
	}
	if l.sync {
		return l.j.Sync()
	}
	return l.j.Flush()
}

// reset discards the journal once every index is known to be consistent.
func (l *intentLog) reset() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight > 0 {
		return nil
	}
	return l.j.Reset()
}

func (l *intentLog) Sync() error {
	if l == nil {
		return nil
	}
	return l.j.Sync()
}

func (l *intentLog) Close() error {
	if l == nil {
		return nil
	}
	return l.j.Close()
}
