package models

import (
	"time"

	"github.com/google/uuid"
)

type UploadState string

const (
	UploadPending   UploadState = "PENDING"
	UploadDelivered UploadState = "DELIVERED"
	UploadCompleted UploadState = "COMPLETED"
	UploadExpired   UploadState = "EXPIRED"
	UploadFailed    UploadState = "FAILED"
)

type UploadSession struct {
	ID          uuid.UUID
	MaskID      int64
	MaskGroupID int64
	SliceIndex  int
	FilePath    string
	State       UploadState
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Current returns the state as observed at now. A delivered session whose
// credential lifetime has elapsed reads as expired.
func (s *UploadSession) Current(now time.Time) UploadState {
	if (s.State == UploadDelivered || s.State == UploadPending) && !now.Before(s.ExpiresAt) {
		return UploadExpired
	}
	return s.State
}

// Active reports whether the session still blocks a new request for its slice.
func (s *UploadSession) Active(now time.Time) bool {
	switch s.Current(now) {
	case UploadPending, UploadDelivered:
		return true
	}
	return false
}
