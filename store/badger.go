package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/keyfold/witness"
)

// key prefixes
const (
	codeRecord    byte = 0x01
	codeWatermark byte = 0x02
)

var _ witness.Ledger = (*Badger)(nil)

// Badger is a durable ledger on a badger key-value store. Records live under
// epoch-keyed entries; the watermark entry moves in the same transaction as
// the committed record it points at, so a crash never splits the two.
type Badger struct {
	db *badger.DB
}

// Open opens the ledger at dir, creating it when absent.
func Open(dir string) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("store: opening badger at %s: %w", dir, err)
	}
	return NewBadger(db), nil
}

// NewBadger wraps an already opened database.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Append(ctx context.Context, rec *witness.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		existing, err := retrieveRecord(rec.Epoch)(txn)
		if err != nil && !errors.Is(err, witness.ErrNotFound) {
			return err
		}
		watermark, err := retrieveWatermark(txn)
		if err != nil {
			return err
		}
		if err := checkAppend(rec, existing, watermark); err != nil {
			return err
		}
		if err := insertRecord(rec)(txn); err != nil {
			return err
		}
		if rec.Status == witness.StatusCommitted {
			return insertWatermark(rec.Epoch)(txn)
		}
		return nil
	})
}

func (b *Badger) Record(ctx context.Context, epoch uint64) (*witness.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *witness.Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = retrieveRecord(epoch)(txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *Badger) LastCommitted(ctx context.Context) (*witness.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *witness.Record
	err := b.db.View(func(txn *badger.Txn) error {
		watermark, err := retrieveWatermark(txn)
		if err != nil {
			return err
		}
		if watermark == 0 {
			return witness.ErrNotFound
		}
		rec, err = retrieveRecord(watermark)(txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func recordKey(epoch uint64) []byte {
	key := make([]byte, 9)
	key[0] = codeRecord
	binary.BigEndian.PutUint64(key[1:], epoch)
	return key
}

func insertRecord(rec *witness.Record) func(*badger.Txn) error {
	return func(txn *badger.Txn) error {
		val, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: encoding record %d: %w", rec.Epoch, err)
		}
		return txn.Set(recordKey(rec.Epoch), val)
	}
}

func retrieveRecord(epoch uint64) func(*badger.Txn) (*witness.Record, error) {
	return func(txn *badger.Txn) (*witness.Record, error) {
		item, err := txn.Get(recordKey(epoch))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: epoch %d", witness.ErrNotFound, epoch)
		}
		if err != nil {
			return nil, err
		}
		var rec witness.Record
		err = item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		})
		if err != nil {
			return nil, fmt.Errorf("store: decoding record %d: %w", epoch, err)
		}
		return &rec, nil
	}
}

func insertWatermark(epoch uint64) func(*badger.Txn) error {
	return func(txn *badger.Txn) error {
		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, epoch)
		return txn.Set([]byte{codeWatermark}, val)
	}
}

func retrieveWatermark(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte{codeWatermark})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var watermark uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("store: watermark entry is %d bytes", len(val))
		}
		watermark = binary.BigEndian.Uint64(val)
		return nil
	})
	return watermark, err
}
