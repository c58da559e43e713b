package models

import (
	"encoding/json"
	"time"
)

type Annotation struct {
	ID                int64
	ProjectID         int64
	UserID            int64
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	ToolName          string
	ToolVersion       string
	ViewerSoftware    string
	Description       string
	Data              json.RawMessage
	MeasurementValues json.RawMessage
	IsShared          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type AnnotationFilter struct {
	ProjectID        int64
	StudyInstanceUID string
}

type MaskGroup struct {
	ID           int64
	AnnotationID int64
	GroupName    string
	ModelName    string
	Version      string
	Modality     string
	SliceCount   int
	MaskType     string
	Description  string
	CreatedBy    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type MaskGroupStats struct {
	TotalMasks     int
	PendingMasks   int
	UploadedMasks  int
	CompletedMasks int
	FailedMasks    int
	TotalSizeBytes int64
}

type MaskStatus string

const (
	MaskPending   MaskStatus = "PENDING"
	MaskUploaded  MaskStatus = "UPLOADED"
	MaskCompleted MaskStatus = "COMPLETED"
	MaskFailed    MaskStatus = "FAILED"
)

type Mask struct {
	ID             int64
	MaskGroupID    int64
	SliceIndex     int
	SOPInstanceUID string
	LabelName      string
	FilePath       string
	MimeType       string
	FileSize       int64
	Checksum       string
	Width          int
	Height         int
	Status         MaskStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MaskUpdate carries the mutable mask fields. Nil fields are left untouched.
type MaskUpdate struct {
	SOPInstanceUID *string
	LabelName      *string
	MimeType       *string
	FileSize       *int64
	Checksum       *string
	Width          *int
	Height         *int
}
