package pipeline_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/pipeline"
)

var fastPolicy = pipeline.RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}

var errDown = fmt.Errorf("%w: connection refused", shortlink.ErrPersistenceTransient)

// memStore 是内存版 MappingStore，fail 返回非 nil 时本次写入失败。
type memStore struct {
	mu       sync.Mutex
	rows     map[string]shortlink.UrlMapping
	calls    int
	batches  []int
	fail     func(ms []shortlink.UrlMapping) error
	blockCh  chan struct{}
	entering chan struct{}
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]shortlink.UrlMapping{}}
}

func (s *memStore) write(ms []shortlink.UrlMapping) error {
	if s.entering != nil {
		s.entering <- struct{}{}
	}
	if s.blockCh != nil {
		<-s.blockCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(ms); err != nil {
			return err
		}
	}
	s.batches = append(s.batches, len(ms))
	for _, m := range ms {
		if _, ok := s.rows[m.ShortCode]; !ok {
			s.rows[m.ShortCode] = m
		}
	}
	return nil
}

func (s *memStore) Save(_ context.Context, m shortlink.UrlMapping) (shortlink.UrlMapping, error) {
	return m, s.write([]shortlink.UrlMapping{m})
}

func (s *memStore) SaveAll(_ context.Context, ms []shortlink.UrlMapping) ([]shortlink.UrlMapping, error) {
	return ms, s.write(ms)
}

func (s *memStore) FindByShortCode(_ context.Context, code string) (shortlink.UrlMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[code]
	if !ok {
		return shortlink.UrlMapping{}, shortlink.ErrMappingNotFound
	}
	return m, nil
}

func (s *memStore) ExistsByShortCode(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[code]
	return ok, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *memStore) setFail(f func(ms []shortlink.UrlMapping) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = f
}

// memDLQ 是内存版死信表。
type memDLQ struct {
	mu      sync.Mutex
	nextID  int64
	events  map[int64]shortlink.FailedEvent
	saveErr error
}

func newMemDLQ() *memDLQ {
	return &memDLQ{events: map[int64]shortlink.FailedEvent{}}
}

func (d *memDLQ) SaveAll(_ context.Context, events []shortlink.FailedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveErr != nil {
		return d.saveErr
	}
	for _, e := range events {
		d.nextID++
		e.ID = d.nextID
		d.events[e.ID] = e
	}
	return nil
}

func (d *memDLQ) Update(ctx context.Context, e shortlink.FailedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[e.ID] = e
	return nil
}

func (d *memDLQ) FindByStatus(_ context.Context, status shortlink.FailedStatus, limit int) ([]shortlink.FailedEvent, error) {
	return d.filter(limit, func(e shortlink.FailedEvent) bool { return e.Status == status }), nil
}

func (d *memDLQ) FindRetryable(_ context.Context, maxRetry, limit int) ([]shortlink.FailedEvent, error) {
	return d.filter(limit, func(e shortlink.FailedEvent) bool {
		return e.Status == shortlink.FailedPending && e.RetryCount < maxRetry
	}), nil
}

func (d *memDLQ) DeleteResolvedOlderThan(_ context.Context, before time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for id, e := range d.events {
		if e.Status == shortlink.FailedResolved && e.FailedAt.Before(before) {
			delete(d.events, id)
			n++
		}
	}
	return n, nil
}

func (d *memDLQ) filter(limit int, keep func(shortlink.FailedEvent) bool) []shortlink.FailedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []shortlink.FailedEvent
	for _, e := range d.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (d *memDLQ) all() []shortlink.FailedEvent {
	return d.filter(0, func(shortlink.FailedEvent) bool { return true })
}

// memOutbox 是内存版 outbox 表。
type memOutbox struct {
	mu      sync.Mutex
	nextID  int64
	entries []shortlink.OutboxEntry
}

func (o *memOutbox) Append(_ context.Context, e shortlink.OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	e.ID = o.nextID
	o.entries = append(o.entries, e)
	return nil
}

func (o *memOutbox) FindUnprocessed(_ context.Context, limit int) ([]shortlink.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := min(limit, len(o.entries))
	out := make([]shortlink.OutboxEntry, n)
	copy(out, o.entries[:n])
	return out, nil
}

func (o *memOutbox) Delete(_ context.Context, ids []int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	drop := map[int64]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := o.entries[:0]
	for _, e := range o.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	o.entries = kept
	return nil
}

func (o *memOutbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func mapping(i int) shortlink.UrlMapping {
	return shortlink.UrlMapping{
		ShortCode: fmt.Sprintf("c%04d", i),
		LongURL:   fmt.Sprintf("https://example.com/%d", i),
		CreatedAt: int64(1_700_000_000_000 + i),
	}
}

func mappings(n int) []shortlink.UrlMapping {
	out := make([]shortlink.UrlMapping, n)
	for i := range out {
		out[i] = mapping(i)
	}
	return out
}
