// Package ledger implements the kernel's append-only, hash-chained,
// crash-safe log of every decision and execution result. Its chain
// construction (sequence + prev_hash + entry_hash, a genesis prev_hash of
// all zero bytes, a Verify walk over the whole chain) is grounded on the
// teacher pack's audit.Ledger (other_examples, default-user-OI kernel
// audit ledger), adapted from an in-memory []Receipt slice to a durable,
// fsynced JSON-lines file with OS-level locking and periodic checkpoints,
// per the kernel's durability contract.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"safekernel/internal/kernelcore"
	"safekernel/internal/logging"
)

// CheckpointInterval is the number of entries between checkpoint writes.
const CheckpointInterval = 64

// Checkpoint records the last known good (seq, entry_hash) pair.
type Checkpoint struct {
	Seq       uint64 `json:"seq"`
	EntryHash string `json:"entry_hash"`
}

// Ledger is a single append-only ledger file. One Ledger instance must be
// the sole writer for its file; Open takes an exclusive OS file lock for
// the lifetime of the process that holds it.
type Ledger struct {
	mu             sync.Mutex
	path           string
	checkpointPath string
	file           *os.File
	lastSeq        uint64
	lastHash       string
	nowFunc        func() int64 // injected clock, microseconds since epoch
}

// Clock returns the current time in microseconds since the Unix epoch.
// Production callers pass time.Now().UnixMicro; tests inject a fixed or
// monotonically incrementing stand-in to keep entry hashes reproducible.
type Clock func() int64

// Open opens (or creates) the ledger file at path, takes an exclusive OS
// lock, and recovers from any partial trailing line left by a prior crash.
func Open(path string, clock Clock) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("ledger: lock_contention: %w", err)
	}

	lastSeq, lastHash, err := recover(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	l := &Ledger{
		path:           path,
		checkpointPath: path + ".checkpoint",
		file:           f,
		lastSeq:        lastSeq,
		lastHash:       lastHash,
		nowFunc:        clock,
	}
	logging.LedgerDebug("ledger opened: %s (resumed at seq=%d)", path, lastSeq)
	return l, nil
}

// recover scans the ledger file forward, validating each line as a
// LedgerEntry. A trailing partial (unterminated or unparsable) line is
// truncated and seq resumes at the last good entry's seq + 1, per the
// kernel's corrupt_tail recovery contract.
func recover(f *os.File) (lastSeq uint64, lastHash string, err error) {
	lastHash = kernelcore.ZeroHash
	if _, err := f.Seek(0, 0); err != nil {
		return 0, "", fmt.Errorf("ledger: seek: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var validBytes int64
	haveEntry := false
	for scanner.Scan() {
		line := scanner.Text()
		var entry kernelcore.LedgerEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// Unparsable tail: stop here, truncate below.
			break
		}
		if haveEntry && entry.Seq != lastSeq+1 {
			break
		}
		if entry.PrevHash != lastHash {
			break
		}
		recomputed, err := kernelcore.EntryHash(entry.PrevHash, entry.Seq, entry.TS, entry.EventType, entry.Payload)
		if err != nil || recomputed != entry.EntryHash {
			break
		}
		lastSeq = entry.Seq
		lastHash = entry.EntryHash
		haveEntry = true
		validBytes += int64(len(line)) + 1
	}

	if err := f.Truncate(validBytes); err != nil {
		return 0, "", fmt.Errorf("ledger: truncate corrupt tail: %w", err)
	}
	if _, err := f.Seek(validBytes, 0); err != nil {
		return 0, "", fmt.Errorf("ledger: seek after truncate: %w", err)
	}
	return lastSeq, lastHash, nil
}

// Append writes one new entry with eventType and payload, fills in seq,
// ts, prev_hash, and entry_hash, flushes and fsyncs the line, and writes
// a checkpoint every CheckpointInterval entries.
func (l *Ledger) Append(eventType kernelcore.EventType, payload map[string]any) (kernelcore.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.lastSeq + 1
	ts := l.nowFunc()

	entryHash, err := kernelcore.EntryHash(l.lastHash, seq, ts, eventType, payload)
	if err != nil {
		return kernelcore.LedgerEntry{}, fmt.Errorf("ledger: append_failed: %w", err)
	}

	entry := kernelcore.LedgerEntry{
		Seq:       seq,
		TS:        ts,
		PrevHash:  l.lastHash,
		EntryHash: entryHash,
		EventType: eventType,
		Payload:   payload,
	}

	line, err := kernelcore.Canonical(entry)
	if err != nil {
		return kernelcore.LedgerEntry{}, fmt.Errorf("ledger: append_failed: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return kernelcore.LedgerEntry{}, fmt.Errorf("ledger: append_failed: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return kernelcore.LedgerEntry{}, fmt.Errorf("ledger: append_failed: fsync: %w", err)
	}

	l.lastSeq = seq
	l.lastHash = entryHash

	if seq%CheckpointInterval == 0 {
		if err := l.writeCheckpoint(seq, entryHash); err != nil {
			logging.LedgerWarn("checkpoint write failed at seq=%d: %v", seq, err)
		}
	}

	logging.LedgerDebug("appended seq=%d event_type=%s", seq, eventType)
	return entry, nil
}

func (l *Ledger) writeCheckpoint(seq uint64, entryHash string) error {
	cp := Checkpoint{Seq: seq, EntryHash: entryHash}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	tmp := l.checkpointPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()
	return os.Rename(tmp, l.checkpointPath)
}

// LastSeq returns the sequence number of the most recently appended entry,
// or 0 if the ledger is empty.
func (l *Ledger) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Close releases the ledger's OS file lock and closes its file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	return l.file.Close()
}

// ReadAll reads every entry currently committed to the ledger file at
// path, in order. Used by the Replay Verifier, which opens the file
// read-only rather than acquiring the writer's lock.
func ReadAll(path string) ([]kernelcore.LedgerEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open for read: %w", err)
	}
	defer f.Close()

	var entries []kernelcore.LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry kernelcore.LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return entries, fmt.Errorf("ledger: corrupt_tail: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("ledger: scan: %w", err)
	}
	return entries, nil
}

// ReadCheckpoint reads the last checkpoint written alongside the ledger
// at path, or returns (Checkpoint{}, false) if none exists yet.
func ReadCheckpoint(path string) (Checkpoint, bool) {
	data, err := os.ReadFile(path + ".checkpoint")
	if err != nil {
		return Checkpoint{}, false
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false
	}
	return cp, true
}
