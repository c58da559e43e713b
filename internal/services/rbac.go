package services

import (
	"pacs-server/internal/identity"
)

// HierarchyNode is a catalog entry whose visibility follows the project of
// its study.
type HierarchyNode interface {
	OwningProjectID() *int64
}

// Scoped attaches the owning study's project to a series or instance.
type Scoped[T any] struct {
	Item      T
	ProjectID *int64
}

func (s Scoped[T]) OwningProjectID() *int64 { return s.ProjectID }

// Filter narrows candidates to the entries of projectID. It fails with
// Unauthorized when id is not a member of projectID. Entries without a
// project are never returned and the input order is kept.
func Filter[T HierarchyNode](id *identity.Identity, projectID int64, candidates []T) ([]T, error) {
	if err := id.RequireMember(projectID); err != nil {
		return nil, err
	}

	visible := make([]T, 0, len(candidates))
	for _, candidate := range candidates {
		owner := candidate.OwningProjectID()
		if owner != nil && *owner == projectID {
			visible = append(visible, candidate)
		}
	}
	return visible, nil
}
