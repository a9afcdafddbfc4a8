// Package tracedb records kernel context switches into a SQLite database.
//
// The scheduler reports switches with its lock held, so the recorder only
// queues events there; a writer goroutine drains the queue and commits them
// in batches.
package tracedb

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"ember/kernel"
)

const (
	queueLen  = 4096
	batchSize = 512
)

const schema = `
CREATE TABLE IF NOT EXISTS switches (
	seq       INTEGER PRIMARY KEY,
	cpu       INTEGER NOT NULL,
	time      INTEGER NOT NULL,
	from_id   INTEGER NOT NULL,
	from_name TEXT NOT NULL,
	from_st   TEXT NOT NULL,
	to_id     INTEGER NOT NULL,
	to_name   TEXT NOT NULL,
	priority  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS switches_to_name ON switches (to_name);
`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA busy_timeout = 5000",
}

// Recorder is a kernel.SwitchObserver backed by SQLite.
type Recorder struct {
	db     *sql.DB
	events chan kernel.SwitchEvent
	quit   chan struct{}
	done   chan struct{}
	err    error

	closed    atomic.Bool
	closeOnce sync.Once

	seq     uint64
	written atomic.Uint64
	dropped atomic.Uint64
}

var _ kernel.SwitchObserver = (*Recorder)(nil)

// Open creates or appends to the trace database at path.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("tracedb: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("tracedb: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracedb: schema: %w", err)
	}

	r := &Recorder{
		db:     db,
		events: make(chan kernel.SwitchEvent, queueLen),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM switches").Scan(&r.seq); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracedb: resume sequence: %w", err)
	}
	go r.writer()
	return r, nil
}

// ObserveSwitch queues ev. When the queue is full the event is dropped and
// counted. It never blocks; events observed while Close runs may be lost.
func (r *Recorder) ObserveSwitch(ev kernel.SwitchEvent) {
	if r.closed.Load() {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Written is the number of events committed so far.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Dropped is the number of events lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close stops accepting events, commits the queued ones and closes the
// database. It returns the first write error, if any.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.quit)
		<-r.done
		if err := r.db.Close(); err != nil && r.err == nil {
			r.err = fmt.Errorf("tracedb: close: %w", err)
		}
	})
	return r.err
}

func (r *Recorder) writer() {
	defer close(r.done)
	batch := make([]kernel.SwitchEvent, 0, batchSize)
	for {
		select {
		case ev := <-r.events:
			r.flush(r.fill(append(batch[:0], ev)))
		case <-r.quit:
			for {
				batch = r.fill(batch[:0])
				if len(batch) == 0 {
					return
				}
				r.flush(batch)
			}
		}
	}
}

// fill tops batch up with whatever is queued, without waiting.
func (r *Recorder) fill(batch []kernel.SwitchEvent) []kernel.SwitchEvent {
	for len(batch) < batchSize {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) flush(batch []kernel.SwitchEvent) {
	if r.err != nil {
		return
	}
	if err := r.commit(batch); err != nil {
		r.err = err
	}
}

func (r *Recorder) commit(batch []kernel.SwitchEvent) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("tracedb: begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO switches
		(seq, cpu, time, from_id, from_name, from_st, to_id, to_name, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("tracedb: prepare: %w", err)
	}
	defer stmt.Close()

	seq := r.seq
	for _, ev := range batch {
		seq++
		_, err := stmt.Exec(seq, ev.CPU, uint64(ev.Time), uint32(ev.From), ev.FromName,
			ev.FromState.String(), uint32(ev.To), ev.ToName, ev.Priority)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("tracedb: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tracedb: commit: %w", err)
	}
	r.seq = seq
	r.written.Add(uint64(len(batch)))
	return nil
}
