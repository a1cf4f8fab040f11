package store

import (
	"context"
	"sync"

	"github.com/keyfold/witness"
)

var _ witness.Ledger = (*Mem)(nil)

// Mem is an in-memory ledger with the same append discipline as Badger.
type Mem struct {
	mu        sync.RWMutex
	records   map[uint64]*witness.Record
	watermark uint64
}

func NewMem() *Mem {
	return &Mem{
		records: make(map[uint64]*witness.Record),
	}
}

func (m *Mem) Append(ctx context.Context, rec *witness.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkAppend(rec, m.records[rec.Epoch], m.watermark); err != nil {
		return err
	}
	m.records[rec.Epoch] = rec
	if rec.Status == witness.StatusCommitted {
		m.watermark = rec.Epoch
	}
	return nil
}

func (m *Mem) Record(ctx context.Context, epoch uint64) (*witness.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[epoch]
	if !ok {
		return nil, witness.ErrNotFound
	}
	return rec, nil
}

func (m *Mem) LastCommitted(ctx context.Context) (*witness.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.watermark == 0 {
		return nil, witness.ErrNotFound
	}
	return m.records[m.watermark], nil
}
