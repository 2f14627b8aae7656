package archive

import (
	"context"
	"fmt"
	"net/url"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// BadgerUploader stores each batch under archive/<escaped topic>/<first
// sequence>.
type BadgerUploader struct {
	db *badger.DB
}

// OpenBadgerUploader opens a badger store at dir. An empty dir keeps the
// store in memory.
func OpenBadgerUploader(dir string) (*BadgerUploader, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive store: %w", err)
	}

	return &BadgerUploader{db: db}, nil
}

func NewBadgerUploader(db *badger.DB) *BadgerUploader {
	return &BadgerUploader{db: db}
}

func batchPrefix(topic string) []byte {
	return []byte("archive/" + url.PathEscape(topic) + "/")
}

func batchKey(batch *Batch) []byte {
	return append(batchPrefix(batch.Topic),
		[]byte(fmt.Sprintf("%020d", batch.FirstSequence()))...)
}

func (u *BadgerUploader) Upload(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	return u.db.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(batch), value)
	})
}

// Batches returns the stored batches for topic in sequence order.
func (u *BadgerUploader) Batches(topic string) ([]*Batch, error) {
	var batches []*Batch

	err := u.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := batchPrefix(topic)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var batch Batch
			if err := json.Unmarshal(value, &batch); err != nil {
				return fmt.Errorf("decode batch: %w", err)
			}
			batches = append(batches, &batch)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return batches, nil
}

func (u *BadgerUploader) Close() error {
	return u.db.Close()
}
