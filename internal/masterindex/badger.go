package masterindex

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Edwardzcn/SLOG/internal/txn"
)

// BadgerConfig carries the tuning fields this small key -> metadata store
// actually uses.
type BadgerConfig struct {
	Dir              string
	ValueLogFileSize int64
	BlockCacheSize   int64
	Compression      options.CompressionType
}

// DefaultBadgerConfig returns the defaults: a 256MB value log and block
// cache, Snappy compression.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:              dir,
		ValueLogFileSize: 1 << 28,
		BlockCacheSize:   256 << 20,
		Compression:      options.Snappy,
	}
}

// Badger is a durable LookupMasterIndex backed by a badger key-value store,
// the coordinator's realistic on-disk master-metadata store.
type Badger struct {
	db *badger.DB
}

// NewBadger opens (creating if necessary) a badger database at cfg.Dir.
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("masterindex: create dir: %w", err)
	}
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.BlockCacheSize > 0 {
		opts.BlockCacheSize = cfg.BlockCacheSize
	}
	opts.Compression = cfg.Compression
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("masterindex: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) GetMasterMetadata(key string) (txn.MasterMetadata, bool) {
	var md txn.MasterMetadata
	err := b.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &md)
		})
	})
	if err != nil {
		return txn.MasterMetadata{}, false
	}
	return md, true
}

func (b *Badger) Put(key string, metadata txn.MasterMetadata) error {
	val, err := msgpack.Marshal(&metadata)
	if err != nil {
		return fmt.Errorf("masterindex: marshal metadata: %w", err)
	}
	return b.db.Update(func(tx *badger.Txn) error {
		return tx.Set([]byte(key), val)
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}
