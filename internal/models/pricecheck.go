package models

import "time"

// ProductSnapshot is a copy of the product fields a re-check needs, taken at enqueue time.
type ProductSnapshot struct {
	TrackedProductID  uint64 `json:"tracked_product_id"`
	ExternalProductID string `json:"external_product_id"`
	Source            Source `json:"source"`
	ReferenceURL      string `json:"reference_url,omitempty"`
}

type PriceCheckBatchJob struct {
	BatchIndex  int               `json:"batch_index"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Products    []ProductSnapshot `json:"products"`
	// LeaseOwner is the token the scheduling run claimed the product leases with. Empty when
	// the batch was scheduled without leases.
	LeaseOwner string `json:"lease_owner,omitempty"`
}

type BatchResult struct {
	Updated   int       `json:"updated"`
	Skipped   int       `json:"skipped"`
	Rejected  int       `json:"rejected,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func SnapshotOf(p *TrackedProduct) ProductSnapshot {
	s := ProductSnapshot{
		TrackedProductID:  p.ID,
		ExternalProductID: p.ExternalProductID,
		Source:            p.Source,
	}
	if p.ReferenceURL != nil {
		s.ReferenceURL = *p.ReferenceURL
	}
	return s
}
