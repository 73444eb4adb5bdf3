// Package audit keeps an append-only JSONL log of compiler and store
// events. Each record commits to its predecessor through prev_hash, so
// VerifyChain detects any edit, deletion or reordering.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/cap-compiler/pkg/canonicalize"
	"github.com/Mindburn-Labs/cap-compiler/pkg/crypto"
)

// GenesisHash is the prev_hash of the first record.
var GenesisHash = crypto.DigestPrefix + strings.Repeat("0", crypto.DigestHexLen)

// ErrChainBroken is returned when a log fails verification.
var ErrChainBroken = errors.New("audit chain broken")

// maxLine bounds a single JSONL record.
const maxLine = 1 << 20

// Action names what happened.
type Action string

const (
	ActionCompile   Action = "compile"
	ActionStorePut  Action = "store.put"
	ActionSetStatus Action = "store.set_status"
)

// Event is the caller-supplied part of a record.
type Event struct {
	Action     Action
	PolicyID   string
	PolicyHash string
	IRHash     string
	Detail     map[string]string
}

// Record is one line of the audit log.
type Record struct {
	Seq        uint64            `json:"seq"`
	EventID    string            `json:"event_id"`
	Timestamp  string            `json:"timestamp"`
	Action     Action            `json:"action"`
	PolicyID   string            `json:"policy_id"`
	PolicyHash string            `json:"policy_hash"`
	IRHash     string            `json:"ir_hash"`
	Detail     map[string]string `json:"detail,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	RecordHash string            `json:"record_hash"`
}

func (r *Record) WithSelfHashBlanked() any {
	c := *r
	c.RecordHash = ""
	return &c
}

// Seal fills RecordHash.
func (r *Record) Seal() error {
	h, err := canonicalize.HashWithSelfReferenceBlanked(r)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	r.RecordHash = h
	return nil
}

// Log appends records to a JSONL file.
type Log struct {
	mu   sync.Mutex
	path string
	seq  uint64
	prev string

	now   func() time.Time
	newID func() string
}

// Open opens or creates the log at path. An existing log is verified in
// full and appending continues from its last record.
func Open(path string) (*Log, error) {
	//nolint:gosec // G301: 0755 is intentional for the audit directory
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("audit: ensure dir: %w", err)
	}
	l := &Log{
		path:  path,
		prev:  GenesisHash,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}

	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	last, err := verify(f)
	if err != nil {
		return nil, fmt.Errorf("audit: %s: %w", path, err)
	}
	if last != nil {
		l.seq = last.Seq
		l.prev = last.RecordHash
	}
	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append seals ev as the next record and writes it with a single write.
func (l *Log) Append(ctx context.Context, ev Event) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &Record{
		Seq:        l.seq + 1,
		EventID:    l.newID(),
		Timestamp:  l.now().UTC().Format(time.RFC3339Nano),
		Action:     ev.Action,
		PolicyID:   ev.PolicyID,
		PolicyHash: ev.PolicyHash,
		IRHash:     ev.IRHash,
		Detail:     ev.Detail,
		PrevHash:   l.prev,
	}
	if err := rec.Seal(); err != nil {
		return nil, err
	}
	line, err := canonicalize.Canonicalize(rec)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	//nolint:gosec // G302: shared audit log
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("audit: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("audit: close: %w", err)
	}

	l.seq = rec.Seq
	l.prev = rec.RecordHash
	return rec, nil
}

// VerifyChain replays a log and returns the number of valid records.
func VerifyChain(r io.Reader) (int, error) {
	n := 0
	_, err := verifyEach(r, func(*Record) { n++ })
	return n, err
}

// VerifyFile verifies the log at path.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return 0, fmt.Errorf("audit: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return VerifyChain(f)
}

func verify(r io.Reader) (*Record, error) {
	return verifyEach(r, func(*Record) {})
}

func verifyEach(r io.Reader, visit func(*Record)) (*Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var (
		last *Record
		prev = GenesisHash
		seq  uint64
	)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		seq++
		rec, err := decodeRecord(line)
		if err != nil {
			return last, fmt.Errorf("%w: line %d: %v", ErrChainBroken, seq, err)
		}
		if rec.Seq != seq {
			return last, fmt.Errorf("%w: record %d has seq %d", ErrChainBroken, seq, rec.Seq)
		}
		if rec.PrevHash != prev {
			return last, fmt.Errorf("%w: record %d prev_hash %s, want %s", ErrChainBroken, seq, rec.PrevHash, prev)
		}
		want, err := canonicalize.HashWithSelfReferenceBlanked(rec)
		if err != nil {
			return last, fmt.Errorf("%w: record %d: %v", ErrChainBroken, seq, err)
		}
		if rec.RecordHash != want {
			return last, fmt.Errorf("%w: record %d record_hash %s, computed %s", ErrChainBroken, seq, rec.RecordHash, want)
		}
		visit(rec)
		last = rec
		prev = rec.RecordHash
	}
	if err := sc.Err(); err != nil {
		return last, fmt.Errorf("%w: %v", ErrChainBroken, err)
	}
	return last, nil
}

func decodeRecord(line []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
