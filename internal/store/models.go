package store

import "time"

// AddOn is an installed add-on as persisted. Document holds the add-on
// XML exactly as it will be reloaded on the next start.
type AddOn struct {
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	Active      bool      `json:"active"`
	Document    []byte    `json:"document"`
	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// Error is the last load failure, empty while the add-on loads cleanly.
	Error string `json:"error,omitempty"`
}
