package models

import (
	"encoding/json"
	"time"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type UserResponse struct {
	ID         int64     `json:"id"`
	KeycloakID string    `json:"keycloak_id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type MeResponse struct {
	UserResponse
	Memberships []MembershipResponse `json:"memberships"`
}

type LoginResponse struct {
	Token     string       `json:"token"`
	TokenType string       `json:"token_type"`
	ExpiresIn int64        `json:"expires_in"`
	User      UserResponse `json:"user"`
}

type ProjectResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type MembershipResponse struct {
	ProjectID int64     `json:"project_id"`
	UserID    int64     `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type ImportStudyResponse struct {
	ProjectID         int64  `json:"project_id"`
	StudyInstanceUID  string `json:"study_instance_uid"`
	NumberOfSeries    int    `json:"number_of_series"`
	NumberOfInstances int    `json:"number_of_instances"`
}

type AnnotationResponse struct {
	ID                int64           `json:"id"`
	ProjectID         int64           `json:"project_id"`
	UserID            int64           `json:"user_id"`
	StudyInstanceUID  string          `json:"study_instance_uid"`
	SeriesInstanceUID string          `json:"series_instance_uid,omitempty"`
	SOPInstanceUID    string          `json:"sop_instance_uid,omitempty"`
	AnnotationData    json.RawMessage `json:"annotation_data"`
	ToolName          string          `json:"tool_name,omitempty"`
	ToolVersion       string          `json:"tool_version,omitempty"`
	ViewerSoftware    string          `json:"viewer_software,omitempty"`
	Description       string          `json:"description,omitempty"`
	MeasurementValues json.RawMessage `json:"measurement_values,omitempty"`
	IsShared          bool            `json:"is_shared"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type AnnotationListResponse struct {
	Annotations []AnnotationResponse `json:"annotations"`
	TotalCount  int                  `json:"total_count"`
}

type MaskGroupResponse struct {
	ID           int64     `json:"id"`
	AnnotationID int64     `json:"annotation_id"`
	GroupName    string    `json:"group_name,omitempty"`
	ModelName    string    `json:"model_name,omitempty"`
	Version      string    `json:"version,omitempty"`
	Modality     string    `json:"modality,omitempty"`
	SliceCount   int       `json:"slice_count"`
	MaskType     string    `json:"mask_type"`
	Description  string    `json:"description,omitempty"`
	CreatedBy    int64     `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type MaskGroupStatsResponse struct {
	TotalMasks     int   `json:"total_masks"`
	PendingMasks   int   `json:"pending_masks"`
	UploadedMasks  int   `json:"uploaded_masks"`
	CompletedMasks int   `json:"completed_masks"`
	FailedMasks    int   `json:"failed_masks"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

type MaskGroupDetailResponse struct {
	MaskGroupResponse
	Stats MaskGroupStatsResponse `json:"stats"`
}

type MaskGroupListResponse struct {
	MaskGroups []MaskGroupResponse `json:"mask_groups"`
	TotalCount int                 `json:"total_count"`
	Offset     int                 `json:"offset"`
	Limit      int                 `json:"limit"`
}

type MaskResponse struct {
	ID             int64     `json:"id"`
	MaskGroupID    int64     `json:"mask_group_id"`
	SliceIndex     int       `json:"slice_index"`
	SOPInstanceUID string    `json:"sop_instance_uid,omitempty"`
	LabelName      string    `json:"label_name,omitempty"`
	FilePath       string    `json:"file_path"`
	MimeType       string    `json:"mime_type"`
	FileSize       int64     `json:"file_size"`
	Checksum       string    `json:"checksum,omitempty"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type MaskListResponse struct {
	Masks      []MaskResponse `json:"masks"`
	TotalCount int            `json:"total_count"`
}

type UploadURLResponse struct {
	UploadURL string    `json:"upload_url"`
	MaskID    int64     `json:"mask_id"`
	FilePath  string    `json:"file_path"`
	ExpiresIn int64     `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CompleteUploadResponse struct {
	Success        bool     `json:"success"`
	Status         string   `json:"status"`
	ProcessedMasks int      `json:"processed_masks"`
	UploadedFiles  []string `json:"uploaded_files"`
	Message        string   `json:"message"`
}

type DownloadURLResponse struct {
	DownloadURL string    `json:"download_url"`
	FilePath    string    `json:"file_path"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}
