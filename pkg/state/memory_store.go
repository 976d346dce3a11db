package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Records are kept in their encoded form
// so reads always return fresh copies.
type MemoryStore struct {
	mu      sync.RWMutex
	codec   *Codec
	now     func() time.Time
	records map[string]map[string]memoryRecord
}

type memoryRecord struct {
	payload []byte
	meta    Meta
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCodec replaces the default codec.
func WithCodec(codec *Codec) MemoryOption {
	return func(s *MemoryStore) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithClock sets the clock used for Meta.UpdatedAt.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		codec:   NewCodec(),
		now:     time.Now,
		records: map[string]map[string]memoryRecord{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Load(ctx context.Context, ref Ref) (Record, Meta, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, Meta{}, false, err
	}
	if err := ref.Validate(); err != nil {
		return Record{}, Meta{}, false, err
	}

	s.mu.RLock()
	stored, ok := s.records[ref.Namespace][ref.ID]
	s.mu.RUnlock()
	if !ok {
		return Record{}, Meta{}, false, nil
	}
	record, err := s.codec.Decode(stored.payload)
	if err != nil {
		return Record{}, Meta{}, false, err
	}
	return record, stored.meta, true, nil
}

func (s *MemoryStore) Save(ctx context.Context, ref Ref, record Record, meta Meta) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := PrepareSave(ref, record, meta.ETag, s.records[ref.Namespace][ref.ID].meta.ETag)
	if err != nil {
		return Meta{}, err
	}
	payload, etag, err := s.codec.Encode(record)
	if err != nil {
		return Meta{}, err
	}
	saved := Meta{ETag: etag, UpdatedAt: s.now().UTC()}
	namespace, ok := s.records[ref.Namespace]
	if !ok {
		namespace = map[string]memoryRecord{}
		s.records[ref.Namespace] = namespace
	}
	namespace[ref.ID] = memoryRecord{payload: payload, meta: saved}
	return saved, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records[ref.Namespace], ref.ID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, namespace string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	records := s.records[namespace]
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	payloads := make([][]byte, 0, len(ids))
	for _, id := range ids {
		payloads = append(payloads, records[id].payload)
	}
	s.mu.RUnlock()

	out := make([]Record, 0, len(payloads))
	for _, payload := range payloads {
		record, err := s.codec.Decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
