package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/tuning"
	"gridcast.io/internal/sim/world"
)

// SQLiteIndex is a queryable secondary copy of the tick and fault logs.
// Writes are queued and applied by a single goroutine in batched transactions.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick    atomic.Uint64
	dropFault   atomic.Uint64
	writeErrors atomic.Uint64
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropTickTotal  uint64 `json:"drop_tick_total"`
	DropFaultTotal uint64 `json:"drop_fault_total"`
	WriteErrTotal  uint64 `json:"write_err_total"`
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqFault
	reqSync
)

type req struct {
	kind reqKind

	tick  world.TickLogEntry
	fault world.FaultEntry
	done  chan struct{}
}

// TickRow is the per-tick summary stored in the ticks table.
type TickRow struct {
	Tick       uint64
	Observers  int
	Avatars    int
	Bytes      int
	MaxBytes   int
	Added      int
	Removed    int
	Faulted    int
	DurationUS int64
	Joins      int
	Leaves     int
	Actions    int
	Rejected   int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 262144)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			observers INTEGER NOT NULL,
			avatars INTEGER NOT NULL,
			encodes INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			max_bytes INTEGER NOT NULL,
			updates INTEGER NOT NULL,
			added INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			ext_sent INTEGER NOT NULL,
			deferred INTEGER NOT NULL,
			shared INTEGER NOT NULL,
			on_demand INTEGER NOT NULL,
			faulted INTEGER NOT NULL,
			duration_us INTEGER NOT NULL,
			joins INTEGER NOT NULL,
			leaves INTEGER NOT NULL,
			actions INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS joins (
			tick INTEGER NOT NULL,
			avatar INTEGER NOT NULL,
			name TEXT NOT NULL,
			platform TEXT NOT NULL,
			PRIMARY KEY (tick, avatar)
		);`,
		`CREATE TABLE IF NOT EXISTS leaves (
			tick INTEGER NOT NULL,
			avatar INTEGER NOT NULL,
			PRIMARY KEY (tick, avatar)
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			avatar INTEGER NOT NULL,
			act_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_avatar_tick ON actions(avatar, tick);`,
		`CREATE TABLE IF NOT EXISTS rejects (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			avatar INTEGER NOT NULL,
			action TEXT NOT NULL,
			code TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rejects_code ON rejects(code, tick);`,
		`CREATE TABLE IF NOT EXISTS faults (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			avatar INTEGER NOT NULL,
			name TEXT,
			error TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTickTotal:  s.dropTick.Load(),
		DropFaultTotal: s.dropFault.Load(),
		WriteErrTotal:  s.writeErrors.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		// The JSONL logs remain the source of truth.
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteFault(entry world.FaultEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqFault, fault: entry}:
	default:
		s.dropFault.Add(1)
	}
	return nil
}

// Sync blocks until every request queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertConfig stores the tuning and the wire layout the run was started with.
func (s *SQLiteIndex) UpsertConfig(tune tuning.Tuning, layout *codec.Layout) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name string
		json []byte
	}
	var rows []kv
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, kv{name: "tuning", json: b})
	}
	if layout != nil {
		if b, err := json.Marshal(layout); err == nil {
			rows = append(rows, kv{name: "layout", json: b})
		}
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if layout != nil {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('protocol_revision',?)`, fmt.Sprint(layout.Revision)); err != nil {
			return err
		}
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO config(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		sum := sha256.Sum256(r.json)
		if _, err := stmt.Exec(r.name, hex.EncodeToString(sum[:]), string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConfigDigest returns the stored digest of a config row.
func (s *SQLiteIndex) ConfigDigest(name string) (string, error) {
	var d string
	err := s.db.QueryRow(`SELECT digest FROM config WHERE name=?`, name).Scan(&d)
	return d, err
}

// Ticks returns the stored tick summaries in [from, to].
func (s *SQLiteIndex) Ticks(ctx context.Context, from, to uint64) ([]TickRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick,observers,avatars,bytes,max_bytes,added,removed,faulted,duration_us,joins,leaves,actions,rejected
		FROM ticks WHERE tick >= ? AND tick <= ? ORDER BY tick`, int64(from), int64(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var r TickRow
		var tick int64
		if err := rows.Scan(&tick, &r.Observers, &r.Avatars, &r.Bytes, &r.MaxBytes, &r.Added, &r.Removed,
			&r.Faulted, &r.DurationUS, &r.Joins, &r.Leaves, &r.Actions, &r.Rejected); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRejects returns how many rejections with code were recorded.
func (s *SQLiteIndex) CountRejects(ctx context.Context, code string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rejects WHERE code=?`, code).Scan(&n)
	return n, err
}

// CountFaults returns how many observer faults were recorded.
func (s *SQLiteIndex) CountFaults(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM faults`).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,observers,avatars,encodes,failures,bytes,max_bytes,updates,added,removed,ext_sent,deferred,shared,on_demand,faulted,duration_us,joins,leaves,actions,rejected,raw_json)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertJoin, _ := s.db.Prepare(`INSERT OR REPLACE INTO joins(tick,avatar,name,platform) VALUES(?,?,?,?)`)
	insertLeave, _ := s.db.Prepare(`INSERT OR REPLACE INTO leaves(tick,avatar) VALUES(?,?)`)
	insertAction, _ := s.db.Prepare(`INSERT OR REPLACE INTO actions(tick,seq,avatar,act_json) VALUES(?,?,?,?)`)
	insertReject, _ := s.db.Prepare(`INSERT OR REPLACE INTO rejects(tick,seq,avatar,action,code) VALUES(?,?,?,?,?)`)
	insertFault, _ := s.db.Prepare(`INSERT OR REPLACE INTO faults(tick,seq,avatar,name,error) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertJoin, insertLeave, insertAction, insertReject, insertFault} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastFaultTick uint64
		faultSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrors.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			e := r.tick
			rep := e.Replication
			b, _ := json.Marshal(e)
			tick := int64(e.Tick)
			if !exec(insertTick, tick,
				rep.Observers, rep.Avatars, rep.Encodes, rep.Failures,
				rep.Bytes, rep.MaxBytes, rep.Updates, rep.Added, rep.Removed,
				rep.ExtSent, rep.Deferred, rep.Shared, rep.OnDemand,
				len(rep.Faulted), rep.Duration.Microseconds(),
				len(e.Joins), len(e.Leaves), len(e.Actions), len(e.Rejected),
				string(b),
			) {
				continue
			}
			for _, j := range e.Joins {
				if !exec(insertJoin, tick, int(j.Avatar), j.Name, j.Platform) {
					break
				}
			}
			for _, idx := range e.Leaves {
				if !exec(insertLeave, tick, int(idx)) {
					break
				}
			}
			for i, a := range e.Actions {
				actJSON, _ := json.Marshal(a.Act)
				if !exec(insertAction, tick, i, int(a.Avatar), string(actJSON)) {
					break
				}
			}
			for i, rj := range e.Rejected {
				if !exec(insertReject, tick, i, int(rj.Avatar), rj.Action, rj.Code) {
					break
				}
			}

		case reqFault:
			f := r.fault
			if f.Tick != lastFaultTick {
				lastFaultTick = f.Tick
				faultSeq = 0
			}
			seq := faultSeq
			faultSeq++
			exec(insertFault, int64(f.Tick), seq, int(f.Avatar), f.Name, f.Error)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
