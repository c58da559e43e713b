package models

import "encoding/json"

type LoginRequest struct {
	KeycloakID string `json:"keycloak_id" binding:"required,uuid" example:"550e8400-e29b-41d4-a716-446655440000"`
	Username   string `json:"username" binding:"required" example:"TestUser2"`
	Email      string `json:"email" binding:"required,email" example:"user2@example.com"`
}

type CreateUserRequest struct {
	KeycloakID string `json:"keycloak_id" binding:"required,uuid"`
	Username   string `json:"username" binding:"required"`
	Email      string `json:"email" binding:"required,email"`
}

type CreateProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	// IsActive defaults to true when omitted.
	IsActive *bool `json:"is_active"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

type AddMemberRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	// Role defaults to EDITOR.
	Role string `json:"role"`
}

type ImportStudyRequest struct {
	StudyInstanceUID string `json:"study_instance_uid" binding:"required"`
}

type CreateAnnotationRequest struct {
	ProjectID         int64           `json:"project_id" binding:"required"`
	StudyInstanceUID  string          `json:"study_instance_uid" binding:"required" example:"1.2.3.4.5.6.7.8.9.10"`
	SeriesInstanceUID string          `json:"series_instance_uid"`
	SOPInstanceUID    string          `json:"sop_instance_uid"`
	AnnotationData    json.RawMessage `json:"annotation_data" binding:"required"`
	ToolName          string          `json:"tool_name"`
	ToolVersion       string          `json:"tool_version"`
	ViewerSoftware    string          `json:"viewer_software"`
	Description       string          `json:"description"`
	MeasurementValues json.RawMessage `json:"measurement_values"`
	IsShared          bool            `json:"is_shared"`
}

type UpdateAnnotationRequest struct {
	AnnotationData    json.RawMessage `json:"annotation_data"`
	ToolName          *string         `json:"tool_name"`
	ToolVersion       *string         `json:"tool_version"`
	ViewerSoftware    *string         `json:"viewer_software"`
	Description       *string         `json:"description"`
	MeasurementValues json.RawMessage `json:"measurement_values"`
	IsShared          *bool           `json:"is_shared"`
}

type CreateMaskGroupRequest struct {
	GroupName   string `json:"group_name" example:"Liver_Segmentation_v2"`
	ModelName   string `json:"model_name" example:"monai_unet"`
	Version     string `json:"version" example:"v2.1.0"`
	Modality    string `json:"modality" example:"CT"`
	SliceCount  int    `json:"slice_count" binding:"min=0" example:"120"`
	MaskType    string `json:"mask_type" example:"segmentation"`
	Description string `json:"description"`
}

type UpdateMaskGroupRequest struct {
	GroupName   *string `json:"group_name"`
	ModelName   *string `json:"model_name"`
	Version     *string `json:"version"`
	Modality    *string `json:"modality"`
	SliceCount  *int    `json:"slice_count" binding:"omitempty,min=0"`
	MaskType    *string `json:"mask_type"`
	Description *string `json:"description"`
}

type CreateMaskRequest struct {
	MaskGroupID    int64  `json:"mask_group_id"`
	SliceIndex     *int   `json:"slice_index" binding:"required,min=0"`
	SOPInstanceUID string `json:"sop_instance_uid"`
	LabelName      string `json:"label_name"`
	FilePath       string `json:"file_path" binding:"required"`
	MimeType       string `json:"mime_type"`
	FileSize       int64  `json:"file_size" binding:"min=0"`
	Checksum       string `json:"checksum"`
	Width          int    `json:"width" binding:"min=0"`
	Height         int    `json:"height" binding:"min=0"`
}

// UpdateMaskRequest accepts mask_group_id and slice_index only to reject them
// when they differ from the stored values.
type UpdateMaskRequest struct {
	MaskGroupID    *int64  `json:"mask_group_id"`
	SliceIndex     *int    `json:"slice_index"`
	FilePath       *string `json:"file_path"`
	SOPInstanceUID *string `json:"sop_instance_uid"`
	LabelName      *string `json:"label_name"`
	MimeType       *string `json:"mime_type"`
	FileSize       *int64  `json:"file_size" binding:"omitempty,min=0"`
	Checksum       *string `json:"checksum"`
	Width          *int    `json:"width" binding:"omitempty,min=0"`
	Height         *int    `json:"height" binding:"omitempty,min=0"`
}

type UploadURLRequest struct {
	MaskGroupID    int64  `json:"mask_group_id"`
	Filename       string `json:"filename" binding:"required" example:"0001_liver.png"`
	MimeType       string `json:"mime_type" binding:"required" example:"image/png"`
	FileSize       int64  `json:"file_size" binding:"min=0"`
	Checksum       string `json:"checksum" example:"sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"`
	SliceIndex     *int   `json:"slice_index" binding:"omitempty,min=0"`
	SOPInstanceUID string `json:"sop_instance_uid"`
	LabelName      string `json:"label_name"`
	// ExpiresIn and TTLSeconds are alternative names for the URL lifetime in
	// seconds.
	ExpiresIn  *int64 `json:"expires_in"`
	TTLSeconds *int64 `json:"ttl_seconds"`
}

type CompleteUploadRequest struct {
	MaskGroupID   int64    `json:"mask_group_id"`
	SliceCount    int      `json:"slice_count"`
	Labels        []string `json:"labels"`
	UploadedFiles []string `json:"uploaded_files" binding:"required,min=1"`
}

type DownloadURLRequest struct {
	ExpiresIn *int64 `json:"expires_in"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
