// Package audit keeps a tamper-evident trail of monitor events. Each line of
// the trail is a JSON record carrying the event, a sequence number, the hash
// of the previous record and its own SHA-256 hash:
//
//	hash(N) = SHA-256( JSON({seq, recorded_at, event, prev_hash}) )
//
// The first record links to GenesisHash. Editing, reordering or deleting any
// line breaks the chain at that point, which Verify reports as a ChainError.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/winwatch/winwatch/internal/journal"
)

// GenesisHash is the prev_hash of the first record in a trail.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single record. Snapshots are small; anything larger is
// treated as corruption.
const maxLine = 4 * 1024 * 1024

// Record is one line of the trail.
type Record struct {
	Seq        int64           `json:"seq"`
	RecordedAt time.Time       `json:"recorded_at"`
	Event      json.RawMessage `json:"event"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// Entry decodes the journalled event carried by r.
func (r Record) Entry() (journal.Entry, error) {
	var e journal.Entry
	if err := json.Unmarshal(r.Event, &e); err != nil {
		return journal.Entry{}, fmt.Errorf("audit: decode event at seq %d: %w", r.Seq, err)
	}
	return e, nil
}

// hashed is the part of a Record covered by its hash.
type hashed struct {
	Seq        int64           `json:"seq"`
	RecordedAt time.Time       `json:"recorded_at"`
	Event      json.RawMessage `json:"event"`
	PrevHash   string          `json:"prev_hash"`
}

func (r Record) digest() string {
	raw, err := json.Marshal(hashed{Seq: r.Seq, RecordedAt: r.RecordedAt, Event: r.Event, PrevHash: r.PrevHash})
	if err != nil {
		// Every field is plain data that was itself decoded from JSON.
		panic(fmt.Sprintf("audit: marshal record: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ChainError reports the first record at which a trail stops verifying.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at seq %d: %s", e.Seq, e.Reason)
}

// walk reads a trail from r, checks every link and passes each valid record
// to fn. It returns the sequence number and hash of the last record.
func walk(r io.Reader, fn func(Record)) (int64, string, error) {
	seq, head := int64(0), GenesisHash

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return seq, head, &ChainError{Seq: seq + 1, Reason: "malformed record: " + err.Error()}
		}
		switch {
		case rec.Seq != seq+1:
			return seq, head, &ChainError{Seq: seq + 1, Reason: fmt.Sprintf("found seq %d", rec.Seq)}
		case rec.PrevHash != head:
			return seq, head, &ChainError{Seq: rec.Seq, Reason: "prev_hash does not match preceding record"}
		case rec.digest() != rec.Hash:
			return seq, head, &ChainError{Seq: rec.Seq, Reason: "hash does not match record content"}
		}
		if fn != nil {
			fn(rec)
		}
		seq, head = rec.Seq, rec.Hash
	}
	if err := sc.Err(); err != nil {
		return seq, head, fmt.Errorf("audit: read trail: %w", err)
	}
	return seq, head, nil
}

// Verify checks the trail at path and returns its records in order. An empty
// trail is valid.
func Verify(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	var recs []Record
	if _, _, err := walk(f, func(r Record) { recs = append(recs, r) }); err != nil {
		return nil, err
	}
	return recs, nil
}

// Trail appends records to a trail file. It is safe for concurrent use.
type Trail struct {
	mu   sync.Mutex
	file *os.File
	seq  int64
	head string
}

// Open opens the trail at path for appending, creating it if needed. An
// existing trail is verified first so the chain continues from its last
// record; a broken trail is refused.
func Open(path string) (*Trail, error) {
	seq, head := int64(0), GenesisHash

	existing, err := os.Open(path)
	switch {
	case err == nil:
		seq, head, err = walk(existing, nil)
		existing.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: refusing to extend %q: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q for append: %w", path, err)
	}
	return &Trail{file: f, seq: seq, head: head}, nil
}

// Name identifies the trail in agent logs.
func (t *Trail) Name() string { return "audit" }

// Publish appends e to the trail.
func (t *Trail) Publish(_ context.Context, e journal.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	_, err = t.Append(raw)
	return err
}

// Append links event to the chain and writes it as one line. A nil event is
// recorded as JSON null.
func (t *Trail) Append(event json.RawMessage) (Record, error) {
	if event == nil {
		event = json.RawMessage("null")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := Record{
		Seq:        t.seq + 1,
		RecordedAt: time.Now().UTC(),
		Event:      event,
		PrevHash:   t.head,
	}
	rec.Hash = rec.digest()

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal record: %w", err)
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("audit: write record: %w", err)
	}

	t.seq, t.head = rec.Seq, rec.Hash
	return rec, nil
}

// Head returns the sequence number and hash of the last record written.
func (t *Trail) Head() (int64, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq, t.head
}

// Close syncs and closes the trail file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Join(t.file.Sync(), t.file.Close())
}
