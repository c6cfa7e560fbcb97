package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Add-on operations
	SaveAddOn(rec *AddOn) error
	GetAddOn(name string) (*AddOn, error)
	DeleteAddOn(name string) error
	ListAddOns() ([]*AddOn, error)

	// UpdateAddOn atomically reads, modifies, and saves an add-on record in a
	// single transaction. Returns ErrNotFound if the add-on does not exist.
	UpdateAddOn(name string, fn func(rec *AddOn) error) error

	// Close the store
	Close() error
}
