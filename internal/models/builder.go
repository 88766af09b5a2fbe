package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidationError carries per-field detail for a rejected intelligence
// payload. Non-retryable.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid intelligence: " + strings.Join(parts, "; ")
}

// IntelligenceBuilder assembles and validates a new intelligence before any
// persistence write. Build either returns a fully formed CONFIGURED record
// or a ValidationError listing every rejected field. The security scope is
// optional: an empty scope leaves the item claimable by any key-verified
// producer.
type IntelligenceBuilder struct {
	retailerGlobalID string
	producerTypes    []string
	securityScope    string
	priority         int
}

func NewIntelligenceBuilder() *IntelligenceBuilder {
	return &IntelligenceBuilder{}
}

func (b *IntelligenceBuilder) RetailerGlobalID(id string) *IntelligenceBuilder {
	b.retailerGlobalID = id
	return b
}

func (b *IntelligenceBuilder) SuitableProducerTypes(types ...string) *IntelligenceBuilder {
	b.producerTypes = append([]string(nil), types...)
	return b
}

func (b *IntelligenceBuilder) SecurityScope(scope string) *IntelligenceBuilder {
	b.securityScope = scope
	return b
}

func (b *IntelligenceBuilder) Priority(p int) *IntelligenceBuilder {
	b.priority = p
	return b
}

// Build validates the assembled fields and returns a new CONFIGURED
// intelligence with a fresh global ID and zeroed failure accounting.
func (b *IntelligenceBuilder) Build(now time.Time) (*Intelligence, error) {
	fields := map[string]string{}

	if b.retailerGlobalID == "" {
		fields["retailer_global_id"] = "required"
	}
	if len(b.producerTypes) == 0 {
		fields["suitable_producer_types"] = "at least one producer type required"
	}
	for _, t := range b.producerTypes {
		if strings.TrimSpace(t) == "" {
			fields["suitable_producer_types"] = "producer types must be non-empty"
		}
	}
	if b.priority < 0 {
		fields["priority"] = "must not be negative"
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	return &Intelligence{
		GlobalID:              uuid.NewString(),
		RetailerGlobalID:      b.retailerGlobalID,
		SuitableProducerTypes: append([]string(nil), b.producerTypes...),
		SecurityScope:         b.securityScope,
		Priority:              b.priority,
		State:                 StateConfigured,
		FailuresNumber:        0,
		CreatedAt:             now,
		ModifiedAt:            now,
	}, nil
}
