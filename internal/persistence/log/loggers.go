package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"gridcast.io/internal/sim/world"
)

const hourLayout = "2006-01-02-15"

// hourlyLog appends JSON lines to one zstd file per UTC hour under dir.
// Reopening an hour's file appends a new zstd frame, which readers
// concatenate transparently.
type hourlyLog[T any] struct {
	dir    string
	prefix string
	now    func() time.Time

	mu  sync.Mutex
	cur *segment
}

func newHourlyLog[T any](dir, prefix string) *hourlyLog[T] {
	return &hourlyLog[T]{dir: dir, prefix: prefix, now: time.Now}
}

type segment struct {
	hour string
	f    *os.File
	zw   *zstd.Encoder
	buf  *bufio.Writer
	enc  *json.Encoder
}

func openSegment(dir, prefix, hour string) (*segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl.zst", prefix, hour))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	buf := bufio.NewWriterSize(zw, 128*1024)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &segment{hour: hour, f: f, zw: zw, buf: buf, enc: enc}, nil
}

func (s *segment) close() error {
	err := s.buf.Flush()
	if cerr := s.zw.Close(); err == nil {
		err = cerr
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// append buffers one entry. Entries reach the file on rotation and Close.
func (l *hourlyLog[T]) append(v T) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	hour := l.now().UTC().Format(hourLayout)
	if l.cur == nil || l.cur.hour != hour {
		if err := l.closeLocked(); err != nil {
			return err
		}
		seg, err := openSegment(l.dir, l.prefix, hour)
		if err != nil {
			return err
		}
		l.cur = seg
	}
	return l.cur.enc.Encode(v)
}

func (l *hourlyLog[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *hourlyLog[T]) closeLocked() error {
	if l.cur == nil {
		return nil
	}
	err := l.cur.close()
	l.cur = nil
	return err
}

// TickLogger writes one entry per tick under <run>/ticks.
type TickLogger struct{ out *hourlyLog[world.TickLogEntry] }

func NewTickLogger(runDir string) *TickLogger {
	return &TickLogger{out: newHourlyLog[world.TickLogEntry](filepath.Join(runDir, "ticks"), "ticks")}
}

func (l *TickLogger) WriteTick(v world.TickLogEntry) error { return l.out.append(v) }
func (l *TickLogger) Close() error                         { return l.out.Close() }

// FaultLogger writes one entry per faulted observer under <run>/faults.
type FaultLogger struct{ out *hourlyLog[world.FaultEntry] }

func NewFaultLogger(runDir string) *FaultLogger {
	return &FaultLogger{out: newHourlyLog[world.FaultEntry](filepath.Join(runDir, "faults"), "faults")}
}

func (l *FaultLogger) WriteFault(v world.FaultEntry) error { return l.out.append(v) }
func (l *FaultLogger) Close() error                        { return l.out.Close() }

// ListFiles returns prefix-*.jsonl.zst under dir in name (and so time) order.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadTicks streams the entries of one tick log file to fn.
func ReadTicks(path string, fn func(world.TickLogEntry) error) error {
	return readJSONL(path, fn)
}

// ReadFaults streams the entries of one fault log file to fn.
func ReadFaults(path string, fn func(world.FaultEntry) error) error {
	return readJSONL(path, fn)
}

func readJSONL[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var entry T
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return sc.Err()
}
