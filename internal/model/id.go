package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for batch identifiers, staging suffixes
// and lock owners.
func NewID() string {
	return ulid.Make().String()
}
