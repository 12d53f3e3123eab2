package runlog

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. It backs tests and jobs that don't need
// history to survive a restart.
type Memory struct {
	mu   sync.Mutex
	next int64
	recs []Record
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Insert(_ context.Context, rec Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	rec.ID = m.next
	m.recs = append(m.recs, rec)
	return rec.ID, nil
}

func (m *Memory) Finalize(_ context.Context, id int64, fin Final) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == id {
			m.recs[i].Finished = fin.Finished
			m.recs[i].Canceled = fin.Canceled
			m.recs[i].Terminated = fin.Terminated
			m.recs[i].Failed = fin.Failed
			m.recs[i].Message = fin.Message
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Count and DeleteOldest implement the retention contract.

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}

func (m *Memory) DeleteOldest(_ context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.Slice(m.recs, func(i, j int) bool {
		if !m.recs[i].Created.Equal(m.recs[j].Created) {
			return m.recs[i].Created.Before(m.recs[j].Created)
		}
		return m.recs[i].ID < m.recs[j].ID
	})
	if n > len(m.recs) {
		n = len(m.recs)
	}
	m.recs = append([]Record(nil), m.recs[n:]...)
	return n, nil
}
