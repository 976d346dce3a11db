package snapshot

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/goliatone/go-snapshot/layering"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// CompressReport summarises a Compress run, nested stores included.
type CompressReport struct {
	Snapshots      int `json:"snapshots"`
	EntriesRemoved int `json:"entriesRemoved"`
	EventsTrimmed  int `json:"eventsTrimmed"`
}

func (r CompressReport) add(other CompressReport) CompressReport {
	r.Snapshots += other.Snapshots
	r.EntriesRemoved += other.EntriesRemoved
	r.EventsTrimmed += other.EventsTrimmed
	return r
}

// Compress drops nil and empty map entries from data and metadata, runs
// Compactor on metadata and trims the event log to its limit. Ids, versions
// and timestamps are left alone. Nested stores are compressed as well.
func (s *Store[T, M]) Compress(ctx context.Context) (report CompressReport, err error) {
	start := time.Now()
	defer func() { s.observe("compress", start, err) }()

	if err := s.lock(ctx); err != nil {
		return CompressReport{}, err
	}
	if s.isEncrypted() {
		s.unlock()
		return CompressReport{}, s.sealedError("compress")
	}

	s.mu.Lock()
	for _, id := range s.order {
		snap := s.snapshots[id]
		removed := compactSnapshot(snap)
		report.Snapshots++
		report.EntriesRemoved += removed
	}
	if over := len(s.events) - s.cfg.eventLogLimit; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
		report.EventsTrimmed = over
	}
	s.appendEventLocked(EventStoreCompressed, "", fmt.Sprintf("removed %d entries, trimmed %d events", report.EntriesRemoved, report.EventsTrimmed))
	s.mu.Unlock()
	s.unlock()

	s.logger.Debugw("store compressed",
		"store", s.name,
		"snapshots", report.Snapshots,
		"entriesRemoved", report.EntriesRemoved,
		"eventsTrimmed", report.EventsTrimmed,
	)

	for _, nested := range s.nestedStores() {
		nestedReport, err := nested.Compress(ctx)
		if err != nil {
			return report, fmt.Errorf("snapshot: compress nested %q: %w", nested.Name(), err)
		}
		report = report.add(nestedReport)
	}
	return report, nil
}

func compactSnapshot[T any, M any](snap *Snapshot[T, M]) int {
	data, removed := layering.Compact(snap.Data)
	meta, metaRemoved := layering.Compact(snap.Metadata)
	removed += metaRemoved
	if compactor, ok := any(&meta).(Compactor); ok {
		removed += compactor.Compact()
	}
	snap.Data = data
	snap.Metadata = meta
	for i := range snap.State {
		removed += compactSnapshot(&snap.State[i])
	}
	return removed
}

type sealedPayload[T any, M any] struct {
	Data     T
	Metadata M
	State    []Snapshot[T, M]
}

func (p sealedPayload[T, M]) snapshot() Snapshot[T, M] {
	return Snapshot[T, M]{Data: p.Data, Metadata: p.Metadata, State: p.State}
}

// encodeSealed gob encodes p and refuses payloads that do not decode back to
// an equal value, so a seal never changes dynamic types or numeric precision.
func encodeSealed[T any, M any](p sealedPayload[T, M]) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	decoded, err := decodeSealed[T, M](buf.Bytes())
	if err != nil {
		return nil, err
	}
	if !CompareSnapshotState(p.snapshot(), decoded.snapshot(), WithVolatileFields()) {
		return nil, ErrLossySeal
	}
	return buf.Bytes(), nil
}

func decodeSealed[T any, M any](plaintext []byte) (sealedPayload[T, M], error) {
	var payload sealedPayload[T, M]
	if err := gob.NewDecoder(bytes.NewReader(plaintext)).Decode(&payload); err != nil {
		return sealedPayload[T, M]{}, err
	}
	return payload, nil
}

// IsEncrypted reports whether the store is sealed.
func (s *Store[T, M]) IsEncrypted() bool {
	return s.isEncrypted()
}

// Encrypt seals the data, metadata and nested state of every snapshot with
// the configured Cipher. Sealed snapshots keep their id, hierarchy and
// version; payloads read back as zero values until Decrypt. Nothing changes when any snapshot
// fails to seal. Encrypting a sealed store is a no-op.
func (s *Store[T, M]) Encrypt(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.observe("encrypt", start, err) }()

	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if s.isEncrypted() {
		s.skipCipher("encrypt", "store already encrypted")
		return nil
	}
	if s.cfg.cipher == nil {
		return &SerializationError{Op: "encrypt", Err: ErrNoCipher}
	}

	sealed := map[string][]byte{}
	for _, snap := range s.ListSnapshots() {
		if err := ctx.Err(); err != nil {
			return err
		}
		plaintext, err := encodeSealed(sealedPayload[T, M]{Data: snap.Data, Metadata: snap.Metadata, State: snap.State})
		if err != nil {
			return &SerializationError{Op: "encrypt", ID: snap.ID, Err: err}
		}
		ciphertext, err := s.cfg.cipher.Seal(plaintext)
		if err != nil {
			return &SerializationError{Op: "encrypt", ID: snap.ID, Err: err}
		}
		sealed[snap.ID] = ciphertext
	}

	s.mu.Lock()
	for id, ciphertext := range sealed {
		snap, ok := s.snapshots[id]
		if !ok {
			continue
		}
		var zeroData T
		var zeroMeta M
		snap.Data = zeroData
		snap.Metadata = zeroMeta
		snap.State = nil
		snap.Encrypted = true
		s.sealed[id] = ciphertext
	}
	s.encrypted = true
	s.appendEventLocked(EventStoreEncrypted, "", fmt.Sprintf("%d snapshots sealed", len(sealed)))
	s.mu.Unlock()
	s.logger.Infow("store encrypted", "store", s.name, "snapshots", len(sealed))
	return nil
}

// Decrypt opens every sealed snapshot. Nothing changes when any snapshot
// fails to open. Decrypting a store that is not sealed is a no-op recorded
// as a warning event.
func (s *Store[T, M]) Decrypt(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.observe("decrypt", start, err) }()

	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if !s.isEncrypted() {
		s.skipCipher("decrypt", "store is not encrypted")
		return nil
	}
	if s.cfg.cipher == nil {
		return &SerializationError{Op: "decrypt", Err: ErrNoCipher}
	}

	s.mu.RLock()
	sealed := make(map[string][]byte, len(s.sealed))
	for id, ciphertext := range s.sealed {
		sealed[id] = ciphertext
	}
	s.mu.RUnlock()

	opened := make(map[string]sealedPayload[T, M], len(sealed))
	for id, ciphertext := range sealed {
		if err := ctx.Err(); err != nil {
			return err
		}
		plaintext, err := s.cfg.cipher.Open(ciphertext)
		if err != nil {
			return &SerializationError{Op: "decrypt", ID: id, Err: err}
		}
		payload, err := decodeSealed[T, M](plaintext)
		if err != nil {
			return &SerializationError{Op: "decrypt", ID: id, Err: err}
		}
		opened[id] = payload
	}

	s.mu.Lock()
	for id, payload := range opened {
		if snap, ok := s.snapshots[id]; ok {
			snap.Data = payload.Data
			snap.Metadata = payload.Metadata
			snap.State = payload.State
			snap.Encrypted = false
		}
	}
	s.sealed = make(map[string][]byte)
	s.encrypted = false
	s.appendEventLocked(EventStoreDecrypted, "", fmt.Sprintf("%d snapshots opened", len(opened)))
	s.mu.Unlock()
	s.logger.Infow("store decrypted", "store", s.name, "snapshots", len(opened))
	return nil
}

func (s *Store[T, M]) skipCipher(op, reason string) {
	s.recordEvent(EventCipherSkipped, "", op+": "+reason)
	s.logger.Warnw("cipher operation skipped", "store", s.name, "op", op, "reason", reason)
}
