// Package storetest provides an in-memory statusstore.Store for tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
)

var _ statusstore.Store = (*Memory)(nil)

type entry struct {
	hash     map[string]string
	value    []byte
	list     []string
	counter  int64
	expireAt time.Time
}

// Memory is an in-process Store with lazy expiry. Setting Err makes every
// call fail with it, which simulates an unreachable store.
type Memory struct {
	mu         sync.Mutex
	data       map[string]*entry
	now        func() time.Time
	err        error
	honourDone bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]*entry), now: time.Now}
}

// SetErr makes every subsequent call return err; nil restores normal behaviour.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// HonourContext makes calls on a done context fail with ctx.Err(), the way a
// network client does.
func (m *Memory) HonourContext() {
	m.mu.Lock()
	m.honourDone = true
	m.mu.Unlock()
}

// failure returns the error a call should fail with, if any. Callers hold mu.
func (m *Memory) failure(ctx context.Context) error {
	if m.err != nil {
		return m.err
	}
	if m.honourDone {
		return ctx.Err()
	}
	return nil
}

// SetClock overrides the clock used for expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// TTL returns the remaining lifetime of key, or zero when it has none.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.expireAt.IsZero() {
		return 0
	}
	return e.expireAt.Sub(m.now())
}

// Keys lists live keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if m.lookup(k) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// lookup returns the live entry for key, dropping it when expired. Callers hold mu.
func (m *Memory) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !m.now().Before(e.expireAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) entry(key string) *entry {
	e := m.lookup(key)
	if e == nil {
		e = &entry{}
		m.data[key] = e
	}
	return e
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure(ctx)
}

func (m *Memory) Put(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	e := m.entry(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	return nil
}

func (m *Memory) PutFieldIfAbsent(ctx context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return false, err
	}
	e := m.entry(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	if _, ok := e.hash[field]; ok {
		return false, nil
	}
	e.hash[field] = value
	return true, nil
}

func (m *Memory) Get(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if e := m.lookup(key); e != nil {
		for k, v := range e.hash {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) GetField(ctx context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return "", false, err
	}
	e := m.lookup(key)
	if e == nil {
		return "", false, nil
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

func (m *Memory) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, false, err
	}
	e := m.lookup(key)
	if e == nil || e.value == nil {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) Take(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return false, err
	}
	if m.lookup(key) == nil {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	if e := m.lookup(key); e != nil {
		e.expireAt = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) ListAppend(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return err
	}
	e := m.entry(key)
	e.list = append(e.list, value)
	return nil
}

func (m *Memory) ListRange(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return nil, err
	}
	e := m.lookup(key)
	if e == nil {
		return []string{}, nil
	}
	return append([]string{}, e.list...), nil
}

func (m *Memory) ListRemove(ctx context.Context, key, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return 0, err
	}
	e := m.lookup(key)
	if e == nil {
		return 0, nil
	}
	kept := e.list[:0]
	var removed int64
	for _, v := range e.list {
		if v == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	e.list = kept
	if len(e.list) == 0 {
		delete(m.data, key)
	}
	return removed, nil
}

func (m *Memory) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(ctx); err != nil {
		return 0, err
	}
	e := m.entry(key)
	e.counter++
	e.expireAt = m.now().Add(expiry)
	return e.counter, nil
}
