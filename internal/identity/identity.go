// Package identity issues and verifies bearer tokens and resolves them to a
// request-scoped snapshot of the caller's project grants.
package identity

import (
	"context"
	"sort"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"pacs-server/internal/apperr"
	"pacs-server/internal/models"
)

var (
	mon = monkit.Package()

	// Error is the error class for identity resolution.
	Error = errs.Class("identity")
)

// Identity is the caller as seen at the start of a request. It is immutable
// and safe to share between goroutines.
type Identity struct {
	UserID   int64
	Username string
	grants   map[int64]models.Role
}

// New builds an identity from memberships. Memberships of inactive projects
// grant nothing.
func New(userID int64, username string, memberships []models.Membership) *Identity {
	grants := make(map[int64]models.Role, len(memberships))
	for _, m := range memberships {
		if m.UserID == userID && m.ProjectActive && m.Role.Valid() {
			grants[m.ProjectID] = m.Role
		}
	}
	return &Identity{UserID: userID, Username: username, grants: grants}
}

// Role returns the caller's role in a project.
func (id *Identity) Role(projectID int64) (models.Role, bool) {
	role, ok := id.grants[projectID]
	return role, ok
}

func (id *Identity) IsMember(projectID int64) bool {
	_, ok := id.grants[projectID]
	return ok
}

func (id *Identity) CanWrite(projectID int64) bool {
	role, ok := id.grants[projectID]
	return ok && role.CanWrite()
}

func (id *Identity) CanManage(projectID int64) bool {
	role, ok := id.grants[projectID]
	return ok && role.CanManage()
}

// ProjectIDs lists the projects the caller can read, ascending.
func (id *Identity) ProjectIDs() []int64 {
	ids := make([]int64, 0, len(id.grants))
	for projectID := range id.grants {
		ids = append(ids, projectID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RequireMember fails with Unauthorized unless the caller belongs to projectID.
func (id *Identity) RequireMember(projectID int64) error {
	if !id.IsMember(projectID) {
		return apperr.Unauthorized.New("no membership in project %d", projectID)
	}
	return nil
}

// RequireWrite fails with Unauthorized unless the caller may write in projectID.
func (id *Identity) RequireWrite(projectID int64) error {
	if !id.CanWrite(projectID) {
		return apperr.Unauthorized.New("no write access to project %d", projectID)
	}
	return nil
}

// RequireManage fails with Unauthorized unless the caller owns projectID.
func (id *Identity) RequireManage(projectID int64) error {
	if !id.CanManage(projectID) {
		return apperr.Unauthorized.New("no manage access to project %d", projectID)
	}
	return nil
}

// MembershipSource loads the data an identity is built from.
type MembershipSource interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	ListMemberships(ctx context.Context, userID int64) ([]models.Membership, error)
}

// Resolver turns verified token claims into an Identity.
type Resolver struct {
	source MembershipSource
}

func NewResolver(source MembershipSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve loads the user named by claims and snapshots its grants. A user
// that no longer exists is Unauthorized.
func (r *Resolver) Resolve(ctx context.Context, claims *Claims) (_ *Identity, err error) {
	defer mon.Task()(&ctx)(&err)

	userID, err := claims.UserID()
	if err != nil {
		return nil, err
	}

	user, err := r.source.GetUser(ctx, userID)
	if err != nil {
		if apperr.NotFound.Has(err) {
			return nil, apperr.Unauthorized.New("user %d no longer exists", userID)
		}
		return nil, err
	}

	memberships, err := r.source.ListMemberships(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return New(user.ID, user.Username, memberships), nil
}
