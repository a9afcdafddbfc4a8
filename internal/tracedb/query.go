package tracedb

import (
	"database/sql"
	"fmt"
)

// ThreadCount is how often a thread was switched in.
type ThreadCount struct {
	Name     string
	Switches int64
}

// Switch is one recorded switch.
type Switch struct {
	Seq      int64
	CPU      int
	Time     uint64
	FromName string
	FromSt   string
	ToName   string
	Priority int
}

// Reader queries a trace database.
type Reader struct {
	db *sql.DB
}

// OpenReader opens the trace database at path for queries.
func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("tracedb: open %s: %w", path, err)
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// Count returns the number of recorded switches.
func (r *Reader) Count() (int64, error) {
	var n int64
	if err := r.db.QueryRow("SELECT COUNT(*) FROM switches").Scan(&n); err != nil {
		return 0, fmt.Errorf("tracedb: count: %w", err)
	}
	return n, nil
}

// TopThreads returns the n threads switched in most often.
func (r *Reader) TopThreads(n int) ([]ThreadCount, error) {
	rows, err := r.db.Query(`
		SELECT to_name, COUNT(*) AS c
		FROM switches
		GROUP BY to_name
		ORDER BY c DESC, to_name
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("tracedb: top threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadCount
	for rows.Next() {
		var tc ThreadCount
		if err := rows.Scan(&tc.Name, &tc.Switches); err != nil {
			return nil, fmt.Errorf("tracedb: top threads: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// Recent returns up to n of the latest switches, oldest first.
func (r *Reader) Recent(n int) ([]Switch, error) {
	rows, err := r.db.Query(`
		SELECT seq, cpu, time, from_name, from_st, to_name, priority
		FROM (SELECT * FROM switches ORDER BY seq DESC LIMIT ?)
		ORDER BY seq`, n)
	if err != nil {
		return nil, fmt.Errorf("tracedb: recent: %w", err)
	}
	defer rows.Close()

	var out []Switch
	for rows.Next() {
		var s Switch
		if err := rows.Scan(&s.Seq, &s.CPU, &s.Time, &s.FromName, &s.FromSt, &s.ToName, &s.Priority); err != nil {
			return nil, fmt.Errorf("tracedb: recent: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
