// Package kvstore is the embedded key-value ledger backend, with LevelDB
// and Badger engines behind one key layout.
//
// Embedded databases have a single process as writer, so the store
// serialises its writes with one mutex; each append is one atomic batch.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/medchain/internal/ir"
)

// Store is a ledger backend over an ordered key-value engine.
type Store struct {
	eng  engine
	name string
	mu   sync.Mutex
}

// OpenLevelDB opens (or creates) a LevelDB database at path. An empty path
// opens an in-memory database.
func OpenLevelDB(path string) (*Store, error) {
	eng, err := openLevelEngine(path)
	if err != nil {
		return nil, err
	}
	return &Store{eng: eng, name: "leveldb"}, nil
}

// OpenBadger opens (or creates) a Badger database in directory path. An
// empty path opens an in-memory database.
func OpenBadger(path string) (*Store, error) {
	eng, err := openBadgerEngine(path)
	if err != nil {
		return nil, err
	}
	return &Store{eng: eng, name: "badger"}, nil
}

// Close closes the underlying engine.
func (s *Store) Close() error {
	if s == nil || s.eng == nil {
		return nil
	}
	return s.eng.close()
}

// Ping reports whether the engine is open. Embedded engines have no
// connection to check.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Name returns the engine name.
func (s *Store) Name() string {
	return s.name
}

// entryRecord is the stored form of a ledger entry.
type entryRecord struct {
	Subject      string          `json:"subject_id"`
	Category     string          `json:"category"`
	RecordID     string          `json:"record_id"`
	Seq          int64           `json:"seq"`
	HashValue    string          `json:"hash_value"`
	PreviousHash string          `json:"previous_hash"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    string          `json:"timestamp"`
	Anchor       *anchorRecord   `json:"anchor,omitempty"`
}

type anchorRecord struct {
	TxRef       string `json:"tx_ref"`
	BlockHeight uint64 `json:"block_height"`
	AnchoredAt  string `json:"anchored_at"`
}

func encodeEntry(e ir.LedgerEntry) ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = ir.IRObject{}
	}
	canonical, err := ir.MarshalCanonical(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	rec := entryRecord{
		Subject:      string(e.Subject),
		Category:     string(e.Category),
		RecordID:     e.RecordID,
		Seq:          e.Seq,
		HashValue:    e.HashValue,
		PreviousHash: e.PreviousHash,
		Payload:      canonical,
		Timestamp:    ir.FormatTimestamp(e.Timestamp),
	}
	if e.Anchor != nil {
		rec.Anchor = &anchorRecord{
			TxRef:       e.Anchor.TxRef,
			BlockHeight: e.Anchor.BlockHeight,
			AnchoredAt:  ir.FormatTimestamp(e.Anchor.AnchoredAt),
		}
	}
	return json.Marshal(rec)
}

func decodeEntry(data []byte) (ir.LedgerEntry, error) {
	var rec entryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("decode entry: %w", err)
	}
	e := ir.LedgerEntry{
		Subject:      ir.SubjectID(rec.Subject),
		Category:     ir.Category(rec.Category),
		RecordID:     rec.RecordID,
		Seq:          rec.Seq,
		HashValue:    rec.HashValue,
		PreviousHash: rec.PreviousHash,
		Payload:      ir.IRObject{},
	}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &e.Payload); err != nil {
			return ir.LedgerEntry{}, fmt.Errorf("entry %s: unmarshal payload: %w", rec.HashValue, err)
		}
	}

	var err error
	if e.Timestamp, err = ir.ParseTimestamp(rec.Timestamp); err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", rec.HashValue, err)
	}
	if rec.Anchor != nil {
		receipt := &ir.AnchorReceipt{TxRef: rec.Anchor.TxRef, BlockHeight: rec.Anchor.BlockHeight}
		if receipt.AnchoredAt, err = ir.ParseTimestamp(rec.Anchor.AnchoredAt); err != nil {
			return ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", rec.HashValue, err)
		}
		e.Anchor = receipt
	}
	return e, nil
}

// AppendEntry appends the next entry of a lane as one batch: the entry,
// its hash index, the record index and the lane tail pointer.
func (s *Store) AppendEntry(ctx context.Context, lane ir.Lane, build ir.EntryBuilder) (ir.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return ir.LedgerEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tail, err := s.tail(lane)
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append entry: read tail: %w", err)
	}

	entry, err := build(tail)
	if err != nil {
		return ir.LedgerEntry{}, err
	}

	switch _, err := s.eng.get(hashKey(entry.HashValue)); {
	case err == nil:
		return ir.LedgerEntry{}, fmt.Errorf("append entry %s: %w", entry.HashValue, ir.ErrDuplicateHash)
	case !errors.Is(err, errKeyNotFound):
		return ir.LedgerEntry{}, fmt.Errorf("append entry: check hash: %w", err)
	}

	ek := entryKey(lane, entry.Seq)
	switch _, err := s.eng.get(ek); {
	case err == nil:
		return ir.LedgerEntry{}, fmt.Errorf("append entry %s seq %d: %w", lane, entry.Seq, ir.ErrSeqConflict)
	case !errors.Is(err, errKeyNotFound):
		return ir.LedgerEntry{}, fmt.Errorf("append entry: check seq: %w", err)
	}

	value, err := encodeEntry(entry)
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append entry: %w", err)
	}

	writes := []write{
		{key: ek, value: value},
		{key: hashKey(entry.HashValue), value: ek},
		{key: recordKey(lane, entry.RecordID), value: ek},
	}
	if tail == nil || entry.Seq > tail.Seq {
		writes = append(writes, write{key: tailKey(lane), value: seqBytes(entry.Seq)})
	}
	if err := s.eng.put(writes); err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append entry: %w", err)
	}
	return entry, nil
}

// SetAnchor records the anchoring receipt of an entry, once.
func (s *Store) SetAnchor(ctx context.Context, hash string, receipt ir.AnchorReceipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ek, entry, err := s.entryByHash(hash)
	if err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	if entry.Anchor != nil {
		return fmt.Errorf("set anchor %s: %w", hash, ir.ErrAlreadyAnchored)
	}

	entry.Anchor = &receipt
	value, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	if err := s.eng.put([]write{{key: ek, value: value}}); err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	return nil
}

// Tail returns the most recent entry of a lane, or nil if the lane is empty.
func (s *Store) Tail(ctx context.Context, lane ir.Lane) (*ir.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tail, err := s.tail(lane)
	if err != nil {
		return nil, fmt.Errorf("read tail %s: %w", lane, err)
	}
	return tail, nil
}

func (s *Store) tail(lane ir.Lane) (*ir.LedgerEntry, error) {
	seq, err := s.eng.get(tailKey(lane))
	if errors.Is(err, errKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := s.eng.get(entryKey(lane, parseSeq(seq)))
	if err != nil {
		return nil, fmt.Errorf("tail pointer of %s: %w", lane, err)
	}
	e, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Lane returns every entry of a lane in walk order, read from one snapshot.
func (s *Store) Lane(ctx context.Context, lane ir.Lane) ([]ir.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.scanEntries(lanePrefix(lane))
	if err != nil {
		return nil, fmt.Errorf("read lane %s: %w", lane, err)
	}
	ir.SortEntries(entries)
	return entries, nil
}

// SubjectEntries returns every entry of a subject, grouped by category.
func (s *Store) SubjectEntries(ctx context.Context, subject ir.SubjectID) ([]ir.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.scanEntries(subjectPrefix(subject))
	if err != nil {
		return nil, fmt.Errorf("read subject %s: %w", subject, err)
	}
	return entries, nil
}

func (s *Store) scanEntries(prefix []byte) ([]ir.LedgerEntry, error) {
	entries := []ir.LedgerEntry{}
	err := s.eng.scan(prefix, func(_, value []byte) error {
		e, err := decodeEntry(value)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Lanes lists non-empty lanes ordered by subject and category.
func (s *Store) Lanes(ctx context.Context, category ir.Category) ([]ir.Lane, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lanes := []ir.Lane{}
	err := s.eng.scan(prefixTail, func(key, _ []byte) error {
		lane, ok := parseTailKey(key)
		if !ok {
			return fmt.Errorf("malformed tail key %q", key)
		}
		if category == "" || lane.Category == category {
			lanes = append(lanes, lane)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query lanes: %w", err)
	}
	return lanes, nil
}

// EntryByHash returns the entry with the given hash value.
func (s *Store) EntryByHash(ctx context.Context, hash string) (ir.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return ir.LedgerEntry{}, err
	}
	_, e, err := s.entryByHash(hash)
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("read entry: %w", err)
	}
	return e, nil
}

func (s *Store) entryByHash(hash string) ([]byte, ir.LedgerEntry, error) {
	ek, err := s.eng.get(hashKey(hash))
	if errors.Is(err, errKeyNotFound) {
		return nil, ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", hash, ir.ErrNotFound)
	}
	if err != nil {
		return nil, ir.LedgerEntry{}, err
	}
	data, err := s.eng.get(ek)
	if err != nil {
		return nil, ir.LedgerEntry{}, fmt.Errorf("hash index of %s: %w", hash, err)
	}
	e, err := decodeEntry(data)
	if err != nil {
		return nil, ir.LedgerEntry{}, err
	}
	return ek, e, nil
}

// EntryByRecord returns the latest entry carrying recordID in a lane.
func (s *Store) EntryByRecord(ctx context.Context, lane ir.Lane, recordID string) (ir.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return ir.LedgerEntry{}, err
	}
	ek, err := s.eng.get(recordKey(lane, recordID))
	if errors.Is(err, errKeyNotFound) {
		return ir.LedgerEntry{}, fmt.Errorf("record %s in %s: %w", recordID, lane, ir.ErrNotFound)
	}
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("read record %s in %s: %w", recordID, lane, err)
	}
	data, err := s.eng.get(ek)
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("record index of %s in %s: %w", recordID, lane, err)
	}
	return decodeEntry(data)
}

// Stats summarises the ledger contents with one scan over all entries.
func (s *Store) Stats(ctx context.Context) (ir.LedgerStats, error) {
	if err := ctx.Err(); err != nil {
		return ir.LedgerStats{}, err
	}

	subjects := map[ir.SubjectID]struct{}{}
	lanes := map[ir.Lane]struct{}{}
	perCategory := map[ir.Category]*ir.CategoryStats{}
	var stats ir.LedgerStats

	err := s.eng.scan(prefixEntry, func(_, value []byte) error {
		e, err := decodeEntry(value)
		if err != nil {
			return err
		}
		stats.Entries++
		subjects[e.Subject] = struct{}{}
		lanes[e.Lane()] = struct{}{}

		c, ok := perCategory[e.Category]
		if !ok {
			c = &ir.CategoryStats{Category: e.Category}
			perCategory[e.Category] = c
		}
		c.Entries++
		if e.Anchor != nil {
			c.Anchored++
			stats.Anchored++
		} else {
			c.Unanchored++
		}
		return nil
	})
	if err != nil {
		return ir.LedgerStats{}, fmt.Errorf("read stats: %w", err)
	}

	stats.Subjects = int64(len(subjects))
	stats.Lanes = int64(len(lanes))
	stats.Unanchored = stats.Entries - stats.Anchored
	stats.Categories = make([]ir.CategoryStats, 0, len(perCategory))
	for _, c := range perCategory {
		stats.Categories = append(stats.Categories, *c)
	}
	slices.SortFunc(stats.Categories, func(a, b ir.CategoryStats) int {
		switch {
		case a.Category < b.Category:
			return -1
		case a.Category > b.Category:
			return 1
		}
		return 0
	})
	return stats, nil
}

// AppendAudit stores an audit entry under its subject and, when it
// references a ledger entry, under that entry's hash.
func (s *Store) AppendAudit(ctx context.Context, entry ir.AuditEntry) (ir.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return ir.AuditEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.eng.get(keyAuditSeq)
	if err != nil && !errors.Is(err, errKeyNotFound) {
		return ir.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	entry.Seq = parseSeq(last) + 1
	entry.Timestamp = entry.Timestamp.UTC()

	value, err := json.Marshal(entry)
	if err != nil {
		return ir.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}

	writes := []write{
		{key: auditSubjectKey(entry.Subject, entry.Seq), value: value},
		{key: keyAuditSeq, value: seqBytes(entry.Seq)},
	}
	if entry.EntryHash != "" {
		writes = append(writes, write{key: auditHashKey(entry.EntryHash, entry.Seq), value: value})
	}
	if err := s.eng.put(writes); err != nil {
		return ir.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	return entry, nil
}

// AuditHistory returns every audit entry about a subject, oldest first.
func (s *Store) AuditHistory(ctx context.Context, subject ir.SubjectID) ([]ir.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.scanAudit(auditSubjectPrefix(subject))
	if err != nil {
		return nil, fmt.Errorf("read audit history %s: %w", subject, err)
	}
	return entries, nil
}

// EntryAuditHistory returns the audit entries referencing one ledger entry.
func (s *Store) EntryAuditHistory(ctx context.Context, hash string) ([]ir.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.scanAudit(auditHashPrefix(hash))
	if err != nil {
		return nil, fmt.Errorf("read entry audit history %s: %w", hash, err)
	}
	return entries, nil
}

func (s *Store) scanAudit(prefix []byte) ([]ir.AuditEntry, error) {
	entries := []ir.AuditEntry{}
	err := s.eng.scan(prefix, func(_, value []byte) error {
		var a ir.AuditEntry
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("decode audit entry: %w", err)
		}
		entries = append(entries, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
