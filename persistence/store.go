// Package persistence implements the Dict store (C9): a key-value
// table with a text key column and a BLOB value column, used to snapshot a run's
// finished nodes and restore them into a fresh graph.
package persistence

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ailets/ailets-go/config"
	"github.com/ailets/ailets-go/dag"
)

// dictEntry is the Dict table's row shape: key is a text column (TEXT
// or VARCHAR(255) in the migrations), value is a BLOB column; keys are
// not stored as BLOBs.
type dictEntry struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value []byte `gorm:"column:value"`
}

func (dictEntry) TableName() string { return "dict" }

// Store is the Dict table, backed by whichever SQL driver the
// config's Driver field names.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database, migrating the schema as
// needed, and returns a ready Store. SQLite uses gorm's AutoMigrate
// directly (no separate migration tool needed for a single-table,
// file-local database); Postgres and MySQL run through
// RunMigrations (golang-migrate over the embedded SQL files) instead,
// since those are the
// deployments where out-of-band schema evolution across multiple
// instances matters.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		if err := db.AutoMigrate(&dictEntry{}); err != nil {
			return nil, fmt.Errorf("failed to migrate dict table: %w", err)
		}
	} else {
		if err := RunMigrations(cfg); err != nil {
			return nil, fmt.Errorf("failed to migrate dict table: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN()), nil
	case "mysql":
		return mysql.Open(cfg.DSN()), nil
	case "sqlite", "":
		return sqlite.Open(cfg.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Put upserts key -> value.
func (s *Store) Put(key string, value []byte) error {
	entry := dictEntry{Key: key, Value: value}
	return s.db.Save(&entry).Error
}

// Get returns the value stored under key, and whether it existed.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var entry dictEntry
	err := s.db.First(&entry, "key = ?", key).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value, true, nil
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	return s.db.Delete(&dictEntry{}, "key = ?", key).Error
}

// Keys returns every key currently stored, in no particular order.
func (s *Store) Keys() ([]string, error) {
	var entries []dictEntry
	if err := s.db.Select("key").Find(&entries).Error; err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Snapshot writes every Finished node's stdout buffer into the Dict
// table under the node's name, per the design's persisted-state layout:
// "snapshot() writes all finished nodes".
func Snapshot(store *Store, dags *dag.Store) error {
	for _, n := range dags.Nodes() {
		if n.State != dag.Finished || n.Pipe == nil {
			continue
		}
		if err := store.Put(n.Name, n.Pipe.Snapshot()); err != nil {
			return fmt.Errorf("failed to snapshot node %s: %w", n.Name, err)
		}
	}
	return nil
}

// Restore replays every entry in the Dict table into a value node
// named after its key, per the design's persisted-state layout:
// "restore() replays them into value nodes with the original names".
func Restore(store *Store, dags *dag.Store) error {
	keys, err := store.Keys()
	if err != nil {
		return fmt.Errorf("failed to list dict keys: %w", err)
	}
	for _, key := range keys {
		value, ok, err := store.Get(key)
		if err != nil {
			return fmt.Errorf("failed to read dict key %s: %w", key, err)
		}
		if !ok {
			continue
		}
		dags.AddNamedValueNode(key, value, "restored from persisted state")
	}
	return nil
}
