// internal/models/submission.go
package models

import "time"

// SubmissionStatus is the lifecycle state of one submission attempt.
type SubmissionStatus string

const (
	StatusNone              SubmissionStatus = ""
	StatusPendingReview     SubmissionStatus = "pending_review"
	StatusApproved          SubmissionStatus = "approved"
	StatusRejected          SubmissionStatus = "rejected"
	StatusChangesRequested  SubmissionStatus = "changes_requested"
	StatusLockedForPrinting SubmissionStatus = "locked_for_printing"
)

type Submission struct {
	ID              string           `json:"id" db:"id"`
	DeliverableID   string           `json:"deliverableId" db:"deliverable_id"`
	PartnerID       string           `json:"partnerId" db:"partner_id"`
	FileRef         string           `json:"fileRef,omitempty" db:"file_ref"`
	LinkRef         string           `json:"linkRef,omitempty" db:"link_ref"`
	Notes           string           `json:"notes,omitempty" db:"notes"`
	Status          SubmissionStatus `json:"status" db:"status"`
	ReviewNotes     string           `json:"reviewNotes,omitempty" db:"review_notes"`
	RejectionReason string           `json:"rejectionReason,omitempty" db:"rejection_reason"`
	ReviewedBy      string           `json:"reviewedBy,omitempty" db:"reviewed_by"`
	SubmittedBy     string           `json:"submittedBy" db:"submitted_by"`
	CreatedAt       time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time        `json:"updatedAt" db:"updated_at"`
}

// SubmissionFilter narrows a submission listing. An empty PartnerIDs matches
// nothing unless AllPartners is set.
type SubmissionFilter struct {
	AllPartners   bool               `json:"-"`
	PartnerIDs    []string           `json:"partnerIds,omitempty"`
	DeliverableID string             `json:"deliverableId,omitempty"`
	Statuses      []SubmissionStatus `json:"statuses,omitempty"`
	Limit         int                `json:"limit,omitempty"`
}

// TransitionPayload is the side data accompanying a status change.
type TransitionPayload struct {
	Reason      string `json:"reason,omitempty"`
	ReviewNotes string `json:"reviewNotes,omitempty"`
	ReviewedBy  string `json:"reviewedBy,omitempty"`
}

// SubmissionInput is what a partner supplies when submitting against a deliverable.
type SubmissionInput struct {
	FileRef string `json:"fileRef,omitempty"`
	LinkRef string `json:"linkRef,omitempty"`
	Notes   string `json:"notes,omitempty"`
}
