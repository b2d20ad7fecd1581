package storage

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/buntdb"
)

// Storable objects can be persisted in bunt under their Key.
type Storable interface {
	Key() string
}

type DB struct {
	*buntdb.DB
}

func NewBunt(path string) *DB {
	bunt, err := buntdb.Open(path)
	if err != nil {
		panic(err)
	}
	return &DB{bunt}
}

func (db *DB) Set(s Storable) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(s.Key(), string(b), nil)
		return err
	})
}

func (db *DB) Get(s Storable) error {
	return db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(s.Key())
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), s)
	})
}

func (db *DB) Delete(key string, s Storable) error {
	return db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		return err
	})
}

// AscendKeys walks all entries whose key matches pattern.
func (db *DB) AscendKeys(pattern string, iterator func(key, value string) bool) error {
	return db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(pattern, iterator)
	})
}

// AscendEqual walks all entries equal to pivot under the given index.
func (db *DB) AscendEqual(index, pivot string, iterator func(key, value string) bool) error {
	return db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual(index, pivot, iterator)
	})
}

// CreateJsonIndex indexes a json field of all values matching pattern.
// Recreating an existing index is not an error.
func (db *DB) CreateJsonIndex(name, pattern, path string) {
	err := db.CreateIndex(name, pattern, buntdb.IndexJSON(path))
	if err != nil && err != buntdb.ErrIndexExists {
		panic(err)
	}
	log.Tracef("[Bunt] created index %s on %s", name, pattern)
}

func NotFound(err error) bool {
	return err == buntdb.ErrNotFound
}
