package handlers

import (
	"pacs-server/internal/models"
)

func userResponse(u *models.User) models.UserResponse {
	return models.UserResponse{
		ID:         u.ID,
		KeycloakID: u.KeycloakID.String(),
		Username:   u.Username,
		Email:      u.Email,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

func projectResponse(p *models.Project) models.ProjectResponse {
	return models.ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		IsActive:    p.IsActive,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func membershipResponse(m *models.Membership) models.MembershipResponse {
	return models.MembershipResponse{
		ProjectID: m.ProjectID,
		UserID:    m.UserID,
		Role:      string(m.Role),
		CreatedAt: m.CreatedAt,
	}
}

func annotationResponse(a *models.Annotation) models.AnnotationResponse {
	return models.AnnotationResponse{
		ID:                a.ID,
		ProjectID:         a.ProjectID,
		UserID:            a.UserID,
		StudyInstanceUID:  a.StudyInstanceUID,
		SeriesInstanceUID: a.SeriesInstanceUID,
		SOPInstanceUID:    a.SOPInstanceUID,
		AnnotationData:    a.Data,
		ToolName:          a.ToolName,
		ToolVersion:       a.ToolVersion,
		ViewerSoftware:    a.ViewerSoftware,
		Description:       a.Description,
		MeasurementValues: a.MeasurementValues,
		IsShared:          a.IsShared,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func maskGroupResponse(g *models.MaskGroup) models.MaskGroupResponse {
	return models.MaskGroupResponse{
		ID:           g.ID,
		AnnotationID: g.AnnotationID,
		GroupName:    g.GroupName,
		ModelName:    g.ModelName,
		Version:      g.Version,
		Modality:     g.Modality,
		SliceCount:   g.SliceCount,
		MaskType:     g.MaskType,
		Description:  g.Description,
		CreatedBy:    g.CreatedBy,
		CreatedAt:    g.CreatedAt,
		UpdatedAt:    g.UpdatedAt,
	}
}

func statsResponse(s *models.MaskGroupStats) models.MaskGroupStatsResponse {
	return models.MaskGroupStatsResponse{
		TotalMasks:     s.TotalMasks,
		PendingMasks:   s.PendingMasks,
		UploadedMasks:  s.UploadedMasks,
		CompletedMasks: s.CompletedMasks,
		FailedMasks:    s.FailedMasks,
		TotalSizeBytes: s.TotalSizeBytes,
	}
}

func maskResponse(m *models.Mask) models.MaskResponse {
	return models.MaskResponse{
		ID:             m.ID,
		MaskGroupID:    m.MaskGroupID,
		SliceIndex:     m.SliceIndex,
		SOPInstanceUID: m.SOPInstanceUID,
		LabelName:      m.LabelName,
		FilePath:       m.FilePath,
		MimeType:       m.MimeType,
		FileSize:       m.FileSize,
		Checksum:       m.Checksum,
		Width:          m.Width,
		Height:         m.Height,
		Status:         string(m.Status),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
