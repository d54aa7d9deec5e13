package authz

import "time"

// Membership is one ledger row asserting that a subject belongs to an
// organization until NotAfter. A nil NotAfter never lapses. Rows are written
// only by the request-processing layer syncing identity claims; end users
// never create or delete them directly.
type Membership struct {
	SubjectID      string     `json:"subject_id"`
	OrganizationID string     `json:"organization_id"`
	NotAfter       *time.Time `json:"not_after,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the membership is in force at the given instant.
func (m Membership) ActiveAt(now time.Time) bool {
	return m.NotAfter == nil || m.NotAfter.After(now)
}
