package directory

import (
	"database/sql"
	"errors"
	"fmt"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/models"
)

// Directory errors. Both are non-retryable.
var (
	// ErrNotFound means the referenced producer or retailer is not
	// registered.
	ErrNotFound = errors.New("directory entry not found")

	// ErrOwnershipMismatch means the presented security key does not match
	// the resource owner. Surfaced as an authorization failure.
	ErrOwnershipMismatch = errors.New("security key does not match owner")
)

// ProducerDirectory resolves producers registered by the external
// registration system.
type ProducerDirectory interface {
	// Get returns the producer with the given global ID after verifying the
	// presented security key. Fails with ErrNotFound for unknown producers
	// and ErrOwnershipMismatch for a wrong key.
	Get(globalID, securityKey string) (*models.Producer, error)
}

// RetailerDirectory resolves retailers registered by the external
// registration system.
type RetailerDirectory interface {
	// Exists reports whether the retailer is registered and active.
	Exists(globalID string) (bool, error)
}

// SQLDirectory serves both directory contracts from the shared store, whose
// producer and retailer tables are maintained by the out-of-scope
// registration system.
type SQLDirectory struct {
	db *database.DB
}

func NewSQLDirectory(db *database.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) Get(globalID, securityKey string) (*models.Producer, error) {
	p, err := d.db.GetProducerByID(globalID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("producer %s: %w", globalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("look up producer %s: %w", globalID, err)
	}
	if p.SecurityKey != securityKey {
		return nil, fmt.Errorf("producer %s: %w", globalID, ErrOwnershipMismatch)
	}
	return p, nil
}

func (d *SQLDirectory) Exists(globalID string) (bool, error) {
	active, err := d.db.RetailerActive(globalID)
	if err != nil {
		return false, fmt.Errorf("look up retailer %s: %w", globalID, err)
	}
	return active, nil
}
