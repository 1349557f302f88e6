// Package store provides typed repositories over the Roundhouse tables.
// Every read returns a value copy; callers mutate state only through the
// command methods here, never by saving a row they loaded.
package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a GORM handle.
type Store struct {
	db *gorm.DB
}

// New returns a Store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and seeding.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// notFound converts gorm's record-not-found into ErrNotFound and wraps
// everything else with context.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
