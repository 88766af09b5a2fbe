package dispatch

import (
	"fmt"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/directory"
	"intelligence-coordinator/internal/models"
)

// candidateFactor widens the candidate query beyond the batch size so that
// type, scope and retailer filtering can discard rows and still fill a batch.
const candidateFactor = 8

// EligibilityFilter decides which intelligences a producer may receive.
type EligibilityFilter struct {
	db        *database.DB
	producers directory.ProducerDirectory
	retailers directory.RetailerDirectory
	batchSize int
}

func NewEligibilityFilter(db *database.DB, producers directory.ProducerDirectory, retailers directory.RetailerDirectory, batchSize int) *EligibilityFilter {
	return &EligibilityFilter{
		db:        db,
		producers: producers,
		retailers: retailers,
		batchSize: batchSize,
	}
}

// SelectEligible resolves the producer and returns the intelligences it may
// work, ordered by ascending priority then ascending created_at, at most
// batchSize items. An item is eligible when it is CONFIGURED, the producer's
// declared type is among its suitable types, its security scope admits the
// producer's key (an unscoped item — empty scope — admits any key-verified
// producer), and its retailer is active.
//
// An unknown producer fails with directory.ErrNotFound; a wrong key or a
// non-ACTIVE directory state fails with directory.ErrOwnershipMismatch.
func (f *EligibilityFilter) SelectEligible(producerGlobalID, securityKey string) (*models.Producer, []models.Intelligence, error) {
	producer, err := f.producers.Get(producerGlobalID, securityKey)
	if err != nil {
		return nil, nil, err
	}
	if producer.State != models.ProducerStateActive {
		return nil, nil, fmt.Errorf("producer %s is %s: %w",
			producer.GlobalID, producer.State, directory.ErrOwnershipMismatch)
	}

	candidates, err := f.db.ListConfigured(f.batchSize * candidateFactor)
	if err != nil {
		return nil, nil, fmt.Errorf("list configured intelligences: %w", err)
	}

	// Retailer lookups repeat across items of the same retailer; memoize
	// per call.
	retailerActive := map[string]bool{}

	eligible := make([]models.Intelligence, 0, f.batchSize)
	for _, item := range candidates {
		if len(eligible) == f.batchSize {
			break
		}
		if !item.SuitableFor(producer.DeclaredType) {
			continue
		}
		if item.SecurityScope != "" && item.SecurityScope != securityKey {
			continue
		}

		active, seen := retailerActive[item.RetailerGlobalID]
		if !seen {
			active, err = f.retailers.Exists(item.RetailerGlobalID)
			if err != nil {
				return nil, nil, err
			}
			retailerActive[item.RetailerGlobalID] = active
		}
		if !active {
			continue
		}

		eligible = append(eligible, item)
	}

	return producer, eligible, nil
}
