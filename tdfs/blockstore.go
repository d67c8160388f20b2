package tdfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BlockStore keeps the blocks of one DataNode. Put overwrites, Delete of an
// absent block succeeds.
type BlockStore interface {
	Put(ctx context.Context, blockID string, r io.Reader) (int64, error)
	Get(ctx context.Context, blockID string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, blockID string) error
	Count() (int, error)
	Close() error
}

// OpenBlockStore opens the backend named in cfg.Backend under cfg.DataDir.
func OpenBlockStore(cfg DataNodeConfig) (BlockStore, error) {
	switch cfg.Backend {
	case "fs", "":
		return NewFSBlockStore(cfg.DataDir)
	case "badger":
		return NewBadgerBlockStore(cfg.DataDir, false)
	default:
		return nil, fmt.Errorf("%w: unknown block backend %q", ErrValidation, cfg.Backend)
	}
}

// FSBlockStore keeps one file per block in a flat directory.
type FSBlockStore struct {
	dir string
}

func NewFSBlockStore(dir string) (*FSBlockStore, error) {
	if err := CheckPath(dir); err != nil {
		return nil, err
	}
	return &FSBlockStore{dir: dir}, nil
}

func (s *FSBlockStore) path(blockID string) string {
	return filepath.Join(s.dir, blockKey(blockID))
}

func (s *FSBlockStore) Put(_ context.Context, blockID string, r io.Reader) (int64, error) {
	return writeFileAtomic(s.path(blockID), r)
}

func (s *FSBlockStore) Get(_ context.Context, blockID string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(blockID))
	if os.IsNotExist(err) {
		return nil, 0, fmt.Errorf("%w: block %s", ErrNotFound, blockID)
	}
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func (s *FSBlockStore) Delete(_ context.Context, blockID string) error {
	err := os.Remove(s.path(blockID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FSBlockStore) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "blk_") {
			n++
		}
	}
	return n, nil
}

func (s *FSBlockStore) Close() error { return nil }

// BadgerBlockStore keeps blocks as values of an embedded badger database.
type BadgerBlockStore struct {
	db *badger.DB
}

func NewBadgerBlockStore(dir string, inMemory bool) (*BadgerBlockStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	} else if err := CheckPath(dir); err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", dir, err)
	}
	return &BadgerBlockStore{db: db}, nil
}

func (s *BadgerBlockStore) Put(_ context.Context, blockID string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blockKey(blockID)), data)
	})
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (s *BadgerBlockStore) Get(_ context.Context, blockID string) (io.ReadCloser, int64, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blockKey(blockID)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("%w: block %s", ErrNotFound, blockID)
	}
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *BadgerBlockStore) Delete(_ context.Context, blockID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(blockKey(blockID)))
	})
}

func (s *BadgerBlockStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("blk_")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BadgerBlockStore) Close() error { return s.db.Close() }
