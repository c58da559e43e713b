package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pacs-server/internal/apperr"
	"pacs-server/internal/database"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
)

// AccountError is the error class for users, projects and memberships.
var AccountError = errs.Class("accounts")

// TokenIssuer signs bearer tokens for users.
type TokenIssuer interface {
	Issue(user *models.User) (string, error)
	TTL() time.Duration
}

// Session is the result of a successful login.
type Session struct {
	User      *models.User
	Token     string
	ExpiresIn time.Duration
}

// AccountService manages users, projects and memberships. Creates are
// idempotent: an existing entity is returned instead of a Conflict.
type AccountService struct {
	log      *zap.Logger
	store    database.Store
	issuer   TokenIssuer
	autoJoin []int64
}

// NewAccountService creates the service. Users logging in for the first time
// join the autoJoin projects as editors.
func NewAccountService(log *zap.Logger, store database.Store, issuer TokenIssuer, autoJoin []int64) *AccountService {
	return &AccountService{log: log, store: store, issuer: issuer, autoJoin: autoJoin}
}

// Login finds or creates the user behind an external identity and issues a
// token for it.
func (s *AccountService) Login(ctx context.Context, req models.LoginRequest) (_ *Session, err error) {
	defer mon.Task()(&ctx)(&err)

	user, created, err := s.findOrCreateUser(ctx, req.KeycloakID, req.Username, req.Email)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(user.KeycloakID.String(), req.KeycloakID) {
		return nil, apperr.Conflict.New("username %q belongs to another identity", req.Username)
	}

	if created {
		s.joinDefaultProjects(ctx, user)
	}

	token, err := s.issuer.Issue(user)
	if err != nil {
		return nil, AccountError.Wrap(err)
	}

	s.log.Info("user logged in",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.Username),
		zap.Bool("created", created))
	return &Session{User: user, Token: token, ExpiresIn: s.issuer.TTL()}, nil
}

// CreateUser registers a user. An existing user with the same external id or
// username is returned with created set to false.
func (s *AccountService) CreateUser(ctx context.Context, req models.CreateUserRequest) (_ *models.User, created bool, err error) {
	defer mon.Task()(&ctx)(&err)

	return s.findOrCreateUser(ctx, req.KeycloakID, req.Username, req.Email)
}

func (s *AccountService) findOrCreateUser(ctx context.Context, keycloakID, username, email string) (*models.User, bool, error) {
	externalID, err := uuid.Parse(keycloakID)
	if err != nil {
		return nil, false, apperr.Validation.New("keycloak_id must be a UUID")
	}
	if strings.TrimSpace(username) == "" {
		return nil, false, apperr.Validation.New("username is required")
	}

	lookup := func() (*models.User, error) {
		user, err := s.store.GetUserByKeycloakID(ctx, externalID)
		if !apperr.NotFound.Has(err) {
			return user, err
		}
		return s.store.GetUserByUsername(ctx, username)
	}

	user, err := lookup()
	switch {
	case err == nil:
		return user, false, nil
	case !apperr.NotFound.Has(err):
		return nil, false, AccountError.Wrap(err)
	}

	user = &models.User{KeycloakID: externalID, Username: username, Email: email}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if !apperr.Conflict.Has(err) {
			return nil, false, AccountError.Wrap(err)
		}
		// Lost a race with a concurrent create.
		existing, lerr := lookup()
		if lerr != nil {
			return nil, false, AccountError.Wrap(lerr)
		}
		return existing, false, nil
	}
	return user, true, nil
}

func (s *AccountService) joinDefaultProjects(ctx context.Context, user *models.User) {
	for _, projectID := range s.autoJoin {
		err := s.store.AddMember(ctx, &models.Membership{ProjectID: projectID, UserID: user.ID, Role: models.RoleEditor})
		if err != nil && !apperr.Conflict.Has(err) {
			s.log.Warn("failed to join default project",
				zap.Int64("user_id", user.ID),
				zap.Int64("project_id", projectID),
				zap.Error(err))
		}
	}
}

func (s *AccountService) ListUsers(ctx context.Context, username string) (_ []models.User, err error) {
	defer mon.Task()(&ctx)(&err)

	users, err := s.store.ListUsers(ctx, username)
	return users, AccountError.Wrap(err)
}

// Me returns the caller with every membership it holds, active or not.
func (s *AccountService) Me(ctx context.Context, id *identity.Identity) (_ *models.User, _ []models.Membership, err error) {
	defer mon.Task()(&ctx)(&err)

	user, err := s.store.GetUser(ctx, id.UserID)
	if err != nil {
		return nil, nil, AccountError.Wrap(err)
	}
	memberships, err := s.store.ListMemberships(ctx, user.ID)
	if err != nil {
		return nil, nil, AccountError.Wrap(err)
	}
	return user, memberships, nil
}

// CreateProject creates a project owned by the caller. A project with the
// same name is returned with created set to false.
func (s *AccountService) CreateProject(ctx context.Context, id *identity.Identity, req models.CreateProjectRequest) (_ *models.Project, created bool, err error) {
	defer mon.Task()(&ctx)(&err)

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, false, apperr.Validation.New("name is required")
	}

	existing, err := s.store.GetProjectByName(ctx, name)
	switch {
	case err == nil:
		return existing, false, nil
	case !apperr.NotFound.Has(err):
		return nil, false, AccountError.Wrap(err)
	}

	project := &models.Project{Name: name, Description: req.Description, IsActive: true}
	if req.IsActive != nil {
		project.IsActive = *req.IsActive
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		if apperr.Conflict.Has(err) {
			existing, lerr := s.store.GetProjectByName(ctx, name)
			if lerr != nil {
				return nil, false, AccountError.Wrap(lerr)
			}
			return existing, false, nil
		}
		return nil, false, AccountError.Wrap(err)
	}

	owner := &models.Membership{ProjectID: project.ID, UserID: id.UserID, Role: models.RoleOwner}
	if err := s.store.AddMember(ctx, owner); err != nil {
		return nil, false, AccountError.Wrap(err)
	}

	s.log.Info("project created",
		zap.Int64("project_id", project.ID),
		zap.String("name", project.Name),
		zap.Int64("owner_id", id.UserID))
	return project, true, nil
}

// ListProjects lists every project the caller belongs to, including inactive
// ones.
func (s *AccountService) ListProjects(ctx context.Context, id *identity.Identity) (_ []models.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	projects, err := s.store.ListProjectsForUser(ctx, id.UserID)
	return projects, AccountError.Wrap(err)
}

func (s *AccountService) GetProject(ctx context.Context, id *identity.Identity, projectID int64) (_ *models.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := s.role(ctx, id, projectID); err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	return project, AccountError.Wrap(err)
}

// UpdateProject changes a project. Only owners may do so, and they keep that
// right while the project is inactive so it can be reactivated.
func (s *AccountService) UpdateProject(ctx context.Context, id *identity.Identity, projectID int64, req models.UpdateProjectRequest) (_ *models.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.requireOwner(ctx, id, projectID); err != nil {
		return nil, err
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, AccountError.Wrap(err)
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperr.Validation.New("name must not be empty")
		}
		project.Name = name
	}
	setString(&project.Description, req.Description)
	if req.IsActive != nil {
		project.IsActive = *req.IsActive
	}

	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, AccountError.Wrap(err)
	}
	return project, nil
}

// AddMember grants a user a role in a project. An existing membership is
// returned unchanged with created set to false.
func (s *AccountService) AddMember(ctx context.Context, id *identity.Identity, projectID int64, req models.AddMemberRequest) (_ *models.Membership, created bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.requireOwner(ctx, id, projectID); err != nil {
		return nil, false, err
	}

	role := models.RoleEditor
	if req.Role != "" {
		role = models.Role(strings.ToUpper(req.Role))
	}
	if !role.Valid() {
		return nil, false, apperr.Validation.New("unknown role %q", req.Role)
	}

	existing, err := s.store.GetMembership(ctx, projectID, req.UserID)
	switch {
	case err == nil:
		return existing, false, nil
	case !apperr.NotFound.Has(err):
		return nil, false, AccountError.Wrap(err)
	}

	membership := &models.Membership{ProjectID: projectID, UserID: req.UserID, Role: role}
	if err := s.store.AddMember(ctx, membership); err != nil {
		if apperr.Conflict.Has(err) {
			existing, lerr := s.store.GetMembership(ctx, projectID, req.UserID)
			if lerr != nil {
				return nil, false, AccountError.Wrap(lerr)
			}
			return existing, false, nil
		}
		return nil, false, AccountError.Wrap(err)
	}
	return membership, true, nil
}

func (s *AccountService) ListMembers(ctx context.Context, id *identity.Identity, projectID int64) (_ []models.Membership, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := s.role(ctx, id, projectID); err != nil {
		return nil, err
	}
	members, err := s.store.ListProjectMembers(ctx, projectID)
	return members, AccountError.Wrap(err)
}

// role looks up the caller's stored role regardless of project state.
func (s *AccountService) role(ctx context.Context, id *identity.Identity, projectID int64) (models.Role, error) {
	membership, err := s.store.GetMembership(ctx, projectID, id.UserID)
	if err != nil {
		if apperr.NotFound.Has(err) {
			return "", apperr.Unauthorized.New("no membership in project %d", projectID)
		}
		return "", AccountError.Wrap(err)
	}
	return membership.Role, nil
}

func (s *AccountService) requireOwner(ctx context.Context, id *identity.Identity, projectID int64) error {
	role, err := s.role(ctx, id, projectID)
	if err != nil {
		return err
	}
	if !role.CanManage() {
		return apperr.Unauthorized.New("no manage access to project %d", projectID)
	}
	return nil
}
