package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/zeebo/errs"

	"pacs-server/internal/apperr"
	"pacs-server/internal/models"
)

// Error is the error class for the postgres store.
var Error = errs.Class("postgres store")

// Open connects to postgres and verifies the connection.
func Open(ctx context.Context, connectionString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, Error.New("failed to open database: %v", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(Error.New("failed to ping database: %v", err), db.Close())
	}

	return db, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrapErr(s.db.PingContext(ctx))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return apperr.Conflict.New("%s", pqDetail(pqErr))
		case "23503":
			return apperr.NotFound.New("%s", pqDetail(pqErr))
		case "57014":
			return apperr.Timeout.Wrap(err)
		}
	}
	return Error.Wrap(apperr.FromContext(err))
}

func pqDetail(err *pq.Error) string {
	if err.Detail != "" {
		return err.Detail
	}
	return err.Message
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound.New(format, args...)
	}
	return wrapErr(err)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errs.Combine(err, Error.Wrap(rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return wrapErr(tx.Commit())
}

// Users

const userColumns = `id, keycloak_id, username, email, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.KeycloakID, &user.Username, &user.Email, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (keycloak_id, username, email)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, user.KeycloakID, user.Username, user.Email).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	return wrapErr(err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "user %d not found", id)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByKeycloakID(ctx context.Context, keycloakID uuid.UUID) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE keycloak_id = $1`, keycloakID))
	if err != nil {
		return nil, notFound(err, "user with keycloak id %s not found", keycloakID)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, notFound(err, "user %q not found", username)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, username string) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE $1 = '' OR username = $1
		ORDER BY id
	`, username)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		users = append(users, *user)
	}
	return users, wrapErr(rows.Err())
}

// Projects

const projectColumns = `id, name, description, is_active, created_at, updated_at`

func scanProject(row rowScanner) (*models.Project, error) {
	var project models.Project
	err := row.Scan(&project.ID, &project.Name, &project.Description, &project.IsActive, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (name, description, is_active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, project.Name, project.Description, project.IsActive).Scan(&project.ID, &project.CreatedAt, &project.UpdatedAt)
	return wrapErr(err)
}

func (s *PostgresStore) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	project, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "project %d not found", id)
	}
	return project, nil
}

func (s *PostgresStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	project, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name = $1`, name))
	if err != nil {
		return nil, notFound(err, "project %q not found", name)
	}
	return project, nil
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID int64) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description, p.is_active, p.created_at, p.updated_at
		FROM projects p
		JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = $1
		ORDER BY p.id
	`, userID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var projects []models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		projects = append(projects, *project)
	}
	return projects, wrapErr(rows.Err())
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project *models.Project) error {
	err := s.db.QueryRowContext(ctx, `
		UPDATE projects
		SET name = $1, description = $2, is_active = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at
	`, project.Name, project.Description, project.IsActive, project.ID).Scan(&project.UpdatedAt)
	if err != nil {
		return notFound(err, "project %d not found", project.ID)
	}
	return nil
}

// Memberships

const membershipColumns = `m.project_id, m.user_id, m.role, p.is_active, m.created_at`

func scanMembership(row rowScanner) (*models.Membership, error) {
	var membership models.Membership
	var role string
	err := row.Scan(&membership.ProjectID, &membership.UserID, &role, &membership.ProjectActive, &membership.CreatedAt)
	if err != nil {
		return nil, err
	}
	membership.Role = models.Role(role)
	return &membership, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, membership *models.Membership) error {
	err := s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO project_members (project_id, user_id, role)
			VALUES ($1, $2, $3)
			RETURNING project_id, created_at
		)
		SELECT i.created_at, p.is_active
		FROM inserted i JOIN projects p ON p.id = i.project_id
	`, membership.ProjectID, membership.UserID, string(membership.Role)).Scan(&membership.CreatedAt, &membership.ProjectActive)
	return wrapErr(err)
}

func (s *PostgresStore) GetMembership(ctx context.Context, projectID, userID int64) (*models.Membership, error) {
	membership, err := scanMembership(s.db.QueryRowContext(ctx, `
		SELECT `+membershipColumns+`
		FROM project_members m JOIN projects p ON p.id = m.project_id
		WHERE m.project_id = $1 AND m.user_id = $2
	`, projectID, userID))
	if err != nil {
		return nil, notFound(err, "user %d is not a member of project %d", userID, projectID)
	}
	return membership, nil
}

func (s *PostgresStore) listMemberships(ctx context.Context, query string, arg int64) ([]models.Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var memberships []models.Membership
	for rows.Next() {
		membership, err := scanMembership(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		memberships = append(memberships, *membership)
	}
	return memberships, wrapErr(rows.Err())
}

func (s *PostgresStore) ListMemberships(ctx context.Context, userID int64) ([]models.Membership, error) {
	return s.listMemberships(ctx, `
		SELECT `+membershipColumns+`
		FROM project_members m JOIN projects p ON p.id = m.project_id
		WHERE m.user_id = $1
		ORDER BY m.project_id
	`, userID)
}

func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID int64) ([]models.Membership, error) {
	return s.listMemberships(ctx, `
		SELECT `+membershipColumns+`
		FROM project_members m JOIN projects p ON p.id = m.project_id
		WHERE m.project_id = $1
		ORDER BY m.user_id
	`, projectID)
}

// DICOM catalog

func (s *PostgresStore) SaveStudy(ctx context.Context, study *models.Study, series []models.Series, instances []models.Instance) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT project_id FROM studies WHERE study_instance_uid = $1 FOR UPDATE`,
			study.StudyInstanceUID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return wrapErr(err)
		case current.Valid && (study.ProjectID == nil || current.Int64 != *study.ProjectID):
			return apperr.Conflict.New("study %s is scoped to another project", study.StudyInstanceUID)
		}

		var projectID sql.NullInt64
		if study.ProjectID != nil {
			projectID = sql.NullInt64{Int64: *study.ProjectID, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO studies (study_instance_uid, project_id, patient_id, patient_name, study_date, study_time,
				accession_number, study_description, modalities)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (study_instance_uid) DO UPDATE SET
				project_id = EXCLUDED.project_id,
				patient_id = EXCLUDED.patient_id,
				patient_name = EXCLUDED.patient_name,
				study_date = EXCLUDED.study_date,
				study_time = EXCLUDED.study_time,
				accession_number = EXCLUDED.accession_number,
				study_description = EXCLUDED.study_description,
				modalities = EXCLUDED.modalities,
				updated_at = NOW()
		`, study.StudyInstanceUID, projectID, study.PatientID, study.PatientName, study.StudyDate, study.StudyTime,
			study.AccessionNumber, study.StudyDescription, pq.Array(study.ModalitiesInStudy))
		if err != nil {
			return wrapErr(err)
		}

		for _, se := range series {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO series (series_instance_uid, study_instance_uid, modality, series_number, series_description)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (series_instance_uid) DO UPDATE SET
					modality = EXCLUDED.modality,
					series_number = EXCLUDED.series_number,
					series_description = EXCLUDED.series_description
				WHERE series.study_instance_uid = EXCLUDED.study_instance_uid
			`, se.SeriesInstanceUID, study.StudyInstanceUID, se.Modality, se.SeriesNumber, se.SeriesDescription)
			if err != nil {
				return wrapErr(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.Conflict.New("series %s belongs to another study", se.SeriesInstanceUID)
			}
		}

		for _, inst := range instances {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO instances (sop_instance_uid, series_instance_uid, sop_class_uid, instance_number, num_rows, num_columns)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (sop_instance_uid) DO UPDATE SET
					sop_class_uid = EXCLUDED.sop_class_uid,
					instance_number = EXCLUDED.instance_number,
					num_rows = EXCLUDED.num_rows,
					num_columns = EXCLUDED.num_columns
				WHERE instances.series_instance_uid = EXCLUDED.series_instance_uid
			`, inst.SOPInstanceUID, inst.SeriesInstanceUID, inst.SOPClassUID, inst.InstanceNumber, inst.Rows, inst.Columns)
			if err != nil {
				return wrapErr(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.Conflict.New("instance %s belongs to another series", inst.SOPInstanceUID)
			}
		}
		return nil
	})
}

const studyColumns = `s.study_instance_uid, s.project_id, s.patient_id, s.patient_name, s.study_date, s.study_time,
	s.accession_number, s.study_description, s.modalities,
	(SELECT COUNT(*) FROM series se WHERE se.study_instance_uid = s.study_instance_uid),
	(SELECT COUNT(*) FROM instances i JOIN series se ON se.series_instance_uid = i.series_instance_uid
		WHERE se.study_instance_uid = s.study_instance_uid)`

func scanStudy(row rowScanner) (*models.Study, error) {
	var study models.Study
	var projectID sql.NullInt64
	err := row.Scan(&study.StudyInstanceUID, &projectID, &study.PatientID, &study.PatientName, &study.StudyDate,
		&study.StudyTime, &study.AccessionNumber, &study.StudyDescription, pq.Array(&study.ModalitiesInStudy),
		&study.NumberOfSeries, &study.NumberOfInstances)
	if err != nil {
		return nil, err
	}
	if projectID.Valid {
		study.ProjectID = &projectID.Int64
	}
	return &study, nil
}

func (s *PostgresStore) GetStudy(ctx context.Context, studyUID string) (*models.Study, error) {
	study, err := scanStudy(s.db.QueryRowContext(ctx,
		`SELECT `+studyColumns+` FROM studies s WHERE s.study_instance_uid = $1`, studyUID))
	if err != nil {
		return nil, notFound(err, "study %s not found", studyUID)
	}
	return study, nil
}

func (s *PostgresStore) ListStudies(ctx context.Context, projectID int64, page models.Page) ([]models.Study, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM studies WHERE project_id = $1`, projectID).Scan(&total); err != nil {
		return nil, 0, wrapErr(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+studyColumns+`
		FROM studies s
		WHERE s.project_id = $1
		ORDER BY s.study_instance_uid
		LIMIT $2 OFFSET $3
	`, projectID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var studies []models.Study
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			return nil, 0, wrapErr(err)
		}
		studies = append(studies, *study)
	}
	return studies, total, wrapErr(rows.Err())
}

const seriesColumns = `se.series_instance_uid, se.study_instance_uid, se.modality, se.series_number, se.series_description,
	(SELECT COUNT(*) FROM instances i WHERE i.series_instance_uid = se.series_instance_uid)`

func scanSeries(row rowScanner) (*models.Series, error) {
	var series models.Series
	err := row.Scan(&series.SeriesInstanceUID, &series.StudyInstanceUID, &series.Modality, &series.SeriesNumber,
		&series.SeriesDescription, &series.NumberOfInstances)
	if err != nil {
		return nil, err
	}
	return &series, nil
}

func (s *PostgresStore) GetSeries(ctx context.Context, seriesUID string) (*models.Series, error) {
	series, err := scanSeries(s.db.QueryRowContext(ctx,
		`SELECT `+seriesColumns+` FROM series se WHERE se.series_instance_uid = $1`, seriesUID))
	if err != nil {
		return nil, notFound(err, "series %s not found", seriesUID)
	}
	return series, nil
}

func (s *PostgresStore) ListSeries(ctx context.Context, studyUID string, page models.Page) ([]models.Series, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM series WHERE study_instance_uid = $1`, studyUID).Scan(&total); err != nil {
		return nil, 0, wrapErr(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+seriesColumns+`
		FROM series se
		WHERE se.study_instance_uid = $1
		ORDER BY se.series_instance_uid
		LIMIT $2 OFFSET $3
	`, studyUID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var list []models.Series
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, 0, wrapErr(err)
		}
		list = append(list, *series)
	}
	return list, total, wrapErr(rows.Err())
}

func (s *PostgresStore) ListInstances(ctx context.Context, seriesUID string, page models.Page) ([]models.Instance, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE series_instance_uid = $1`, seriesUID).Scan(&total); err != nil {
		return nil, 0, wrapErr(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.sop_instance_uid, i.series_instance_uid, se.study_instance_uid, i.sop_class_uid,
			i.instance_number, i.num_rows, i.num_columns
		FROM instances i JOIN series se ON se.series_instance_uid = i.series_instance_uid
		WHERE i.series_instance_uid = $1
		ORDER BY i.sop_instance_uid
		LIMIT $2 OFFSET $3
	`, seriesUID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var instances []models.Instance
	for rows.Next() {
		var inst models.Instance
		if err := rows.Scan(&inst.SOPInstanceUID, &inst.SeriesInstanceUID, &inst.StudyInstanceUID, &inst.SOPClassUID,
			&inst.InstanceNumber, &inst.Rows, &inst.Columns); err != nil {
			return nil, 0, wrapErr(err)
		}
		instances = append(instances, inst)
	}
	return instances, total, wrapErr(rows.Err())
}

// Annotations

const annotationColumns = `id, project_id, user_id, study_instance_uid, series_instance_uid, sop_instance_uid,
	tool_name, tool_version, viewer_software, description, data, measurement_values, is_shared, created_at, updated_at`

func scanAnnotation(row rowScanner) (*models.Annotation, error) {
	var a models.Annotation
	var data, measurements []byte
	err := row.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.StudyInstanceUID, &a.SeriesInstanceUID, &a.SOPInstanceUID,
		&a.ToolName, &a.ToolVersion, &a.ViewerSoftware, &a.Description, &data, &measurements, &a.IsShared,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Data = data
	if len(measurements) > 0 {
		a.MeasurementValues = measurements
	}
	return &a, nil
}

func jsonParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *PostgresStore) CreateAnnotation(ctx context.Context, a *models.Annotation) error {
	data := jsonParam(a.Data)
	if data == nil {
		data = "{}"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO annotations (project_id, user_id, study_instance_uid, series_instance_uid, sop_instance_uid,
			tool_name, tool_version, viewer_software, description, data, measurement_values, is_shared)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`, a.ProjectID, a.UserID, a.StudyInstanceUID, a.SeriesInstanceUID, a.SOPInstanceUID, a.ToolName, a.ToolVersion,
		a.ViewerSoftware, a.Description, data, jsonParam(a.MeasurementValues), a.IsShared,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	return wrapErr(err)
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, id int64) (*models.Annotation, error) {
	a, err := scanAnnotation(s.db.QueryRowContext(ctx,
		`SELECT `+annotationColumns+` FROM annotations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "annotation %d not found", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, filter models.AnnotationFilter) ([]models.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE project_id = $1 AND ($2 = '' OR study_instance_uid = $2)
		ORDER BY id
	`, filter.ProjectID, filter.StudyInstanceUID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var annotations []models.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		annotations = append(annotations, *a)
	}
	return annotations, wrapErr(rows.Err())
}

func (s *PostgresStore) UpdateAnnotation(ctx context.Context, a *models.Annotation) error {
	err := s.db.QueryRowContext(ctx, `
		UPDATE annotations
		SET tool_name = $1, tool_version = $2, viewer_software = $3, description = $4,
			data = $5, measurement_values = $6, is_shared = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING updated_at
	`, a.ToolName, a.ToolVersion, a.ViewerSoftware, a.Description, jsonParam(a.Data), jsonParam(a.MeasurementValues),
		a.IsShared, a.ID).Scan(&a.UpdatedAt)
	if err != nil {
		return notFound(err, "annotation %d not found", a.ID)
	}
	return nil
}

// Mask groups

const maskGroupColumns = `id, annotation_id, group_name, model_name, version, modality, slice_count, mask_type,
	description, created_by, created_at, updated_at`

func scanMaskGroup(row rowScanner) (*models.MaskGroup, error) {
	var g models.MaskGroup
	err := row.Scan(&g.ID, &g.AnnotationID, &g.GroupName, &g.ModelName, &g.Version, &g.Modality, &g.SliceCount,
		&g.MaskType, &g.Description, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) CreateMaskGroup(ctx context.Context, g *models.MaskGroup) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO mask_groups (annotation_id, group_name, model_name, version, modality, slice_count, mask_type,
			description, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, g.AnnotationID, g.GroupName, g.ModelName, g.Version, g.Modality, g.SliceCount, g.MaskType, g.Description,
		g.CreatedBy).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	return wrapErr(err)
}

func (s *PostgresStore) GetMaskGroup(ctx context.Context, id int64) (*models.MaskGroup, error) {
	g, err := scanMaskGroup(s.db.QueryRowContext(ctx,
		`SELECT `+maskGroupColumns+` FROM mask_groups WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "mask group %d not found", id)
	}
	return g, nil
}

func (s *PostgresStore) ListMaskGroups(ctx context.Context, annotationID int64, page models.Page) ([]models.MaskGroup, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mask_groups WHERE annotation_id = $1`, annotationID).Scan(&total); err != nil {
		return nil, 0, wrapErr(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+maskGroupColumns+`
		FROM mask_groups
		WHERE annotation_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, annotationID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var groups []models.MaskGroup
	for rows.Next() {
		g, err := scanMaskGroup(rows)
		if err != nil {
			return nil, 0, wrapErr(err)
		}
		groups = append(groups, *g)
	}
	return groups, total, wrapErr(rows.Err())
}

func (s *PostgresStore) UpdateMaskGroup(ctx context.Context, g *models.MaskGroup) error {
	err := s.db.QueryRowContext(ctx, `
		UPDATE mask_groups
		SET group_name = $1, model_name = $2, version = $3, modality = $4, slice_count = $5, mask_type = $6,
			description = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING updated_at
	`, g.GroupName, g.ModelName, g.Version, g.Modality, g.SliceCount, g.MaskType, g.Description, g.ID).Scan(&g.UpdatedAt)
	if err != nil {
		return notFound(err, "mask group %d not found", g.ID)
	}
	return nil
}

func (s *PostgresStore) MaskGroupStats(ctx context.Context, groupID int64) (*models.MaskGroupStats, error) {
	var stats models.MaskGroupStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'UPLOADED'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COALESCE(SUM(file_size), 0)
		FROM masks
		WHERE mask_group_id = $1
	`, groupID).Scan(&stats.TotalMasks, &stats.PendingMasks, &stats.UploadedMasks, &stats.CompletedMasks,
		&stats.FailedMasks, &stats.TotalSizeBytes)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &stats, nil
}

// Masks

const maskColumns = `id, mask_group_id, slice_index, sop_instance_uid, label_name, file_path, mime_type, file_size,
	checksum, width, height, status, created_at, updated_at`

func scanMask(row rowScanner) (*models.Mask, error) {
	var m models.Mask
	var status string
	err := row.Scan(&m.ID, &m.MaskGroupID, &m.SliceIndex, &m.SOPInstanceUID, &m.LabelName, &m.FilePath, &m.MimeType,
		&m.FileSize, &m.Checksum, &m.Width, &m.Height, &status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = models.MaskStatus(status)
	return &m, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertMask(ctx context.Context, q queryer, m *models.Mask) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO masks (mask_group_id, slice_index, sop_instance_uid, label_name, file_path, mime_type, file_size,
			checksum, width, height, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, m.MaskGroupID, m.SliceIndex, m.SOPInstanceUID, m.LabelName, m.FilePath, m.MimeType, m.FileSize, m.Checksum,
		m.Width, m.Height, string(m.Status)).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		err = wrapErr(err)
		if apperr.Conflict.Has(err) {
			return apperr.Conflict.New("slice %d already exists in mask group %d", m.SliceIndex, m.MaskGroupID)
		}
		if apperr.NotFound.Has(err) {
			return apperr.NotFound.New("mask group %d not found", m.MaskGroupID)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) CreateMask(ctx context.Context, m *models.Mask) error {
	return insertMask(ctx, s.db, m)
}

func (s *PostgresStore) GetMask(ctx context.Context, id int64) (*models.Mask, error) {
	m, err := scanMask(s.db.QueryRowContext(ctx, `SELECT `+maskColumns+` FROM masks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "mask %d not found", id)
	}
	return m, nil
}

func (s *PostgresStore) ListMasks(ctx context.Context, groupID int64) ([]models.Mask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+maskColumns+`
		FROM masks
		WHERE mask_group_id = $1
		ORDER BY slice_index
	`, groupID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var masks []models.Mask
	for rows.Next() {
		m, err := scanMask(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		masks = append(masks, *m)
	}
	return masks, wrapErr(rows.Err())
}

func (s *PostgresStore) UpdateMask(ctx context.Context, id int64, u models.MaskUpdate) (*models.Mask, error) {
	m, err := scanMask(s.db.QueryRowContext(ctx, `
		UPDATE masks SET
			sop_instance_uid = COALESCE($2::text, sop_instance_uid),
			label_name = COALESCE($3::text, label_name),
			mime_type = COALESCE($4::text, mime_type),
			file_size = COALESCE($5::bigint, file_size),
			checksum = COALESCE($6::text, checksum),
			width = COALESCE($7::integer, width),
			height = COALESCE($8::integer, height),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+maskColumns,
		id, u.SOPInstanceUID, u.LabelName, u.MimeType, u.FileSize, u.Checksum, u.Width, u.Height))
	if err != nil {
		return nil, notFound(err, "mask %d not found", id)
	}
	return m, nil
}

// Upload sessions

const sessionColumns = `id, mask_id, mask_group_id, slice_index, file_path, state, expires_at, created_at, updated_at`

func scanSession(row rowScanner) (*models.UploadSession, error) {
	var us models.UploadSession
	var state string
	err := row.Scan(&us.ID, &us.MaskID, &us.MaskGroupID, &us.SliceIndex, &us.FilePath, &state, &us.ExpiresAt,
		&us.CreatedAt, &us.UpdatedAt)
	if err != nil {
		return nil, err
	}
	us.State = models.UploadState(state)
	return &us, nil
}

// latestSession returns the newest session of a mask, or nil when it never had one.
func latestSession(ctx context.Context, tx *sql.Tx, maskID int64) (*models.UploadSession, error) {
	us, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM upload_sessions
		WHERE mask_id = $1
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, maskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return us, nil
}

func setSessionState(ctx context.Context, tx *sql.Tx, id uuid.UUID, state models.UploadState) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE upload_sessions SET state = $1, updated_at = NOW() WHERE id = $2`, string(state), id)
	return wrapErr(err)
}

func lockMaskGroup(ctx context.Context, tx *sql.Tx, groupID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM mask_groups WHERE id = $1 FOR SHARE`, groupID).Scan(&id)
	if err != nil {
		return notFound(err, "mask group %d not found", groupID)
	}
	return nil
}

func (s *PostgresStore) BeginUpload(ctx context.Context, req BeginUpload) (*models.Mask, *models.UploadSession, error) {
	attempts := 1
	if req.Slice == nil {
		// concurrent allocations may pick the same next slice
		attempts = 3
	}

	var err error
	for i := 0; i < attempts; i++ {
		var mask *models.Mask
		var session *models.UploadSession
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			mask, session, txErr = s.beginUpload(ctx, tx, req)
			return txErr
		})
		if err == nil {
			return mask, session, nil
		}
		if req.Slice != nil || !apperr.Conflict.Has(err) {
			break
		}
	}
	return nil, nil, err
}

func (s *PostgresStore) beginUpload(ctx context.Context, tx *sql.Tx, req BeginUpload) (*models.Mask, *models.UploadSession, error) {
	groupID := req.Mask.MaskGroupID
	if err := lockMaskGroup(ctx, tx, groupID); err != nil {
		return nil, nil, err
	}

	var slice int
	if req.Slice != nil {
		slice = *req.Slice
	} else if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(slice_index), 0) + 1 FROM masks WHERE mask_group_id = $1`, groupID).Scan(&slice); err != nil {
		return nil, nil, wrapErr(err)
	}

	mask := req.Mask
	mask.SliceIndex = slice
	mask.FilePath = req.KeyFunc(slice)
	mask.Status = models.MaskPending

	existing, err := scanMask(tx.QueryRowContext(ctx,
		`SELECT `+maskColumns+` FROM masks WHERE mask_group_id = $1 AND slice_index = $2 FOR UPDATE`,
		groupID, slice))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertMask(ctx, tx, &mask); err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, wrapErr(err)
	default:
		if existing.Status != models.MaskPending && existing.Status != models.MaskFailed {
			return nil, nil, apperr.Conflict.New("slice %d already exists in mask group %d", slice, groupID)
		}
		prev, err := latestSession(ctx, tx, existing.ID)
		if err != nil {
			return nil, nil, err
		}
		if prev != nil {
			if prev.Active(req.Now) {
				return nil, nil, apperr.Conflict.New("slice %d of mask group %d has an active upload session", slice, groupID)
			}
			if cur := prev.Current(req.Now); cur != prev.State {
				if err := setSessionState(ctx, tx, prev.ID, cur); err != nil {
					return nil, nil, err
				}
			}
		}
		restarted, err := scanMask(tx.QueryRowContext(ctx, `
			UPDATE masks SET
				sop_instance_uid = $2, label_name = $3, file_path = $4, mime_type = $5, file_size = $6,
				checksum = $7, status = 'PENDING', updated_at = NOW()
			WHERE id = $1
			RETURNING `+maskColumns,
			existing.ID, mask.SOPInstanceUID, mask.LabelName, mask.FilePath, mask.MimeType, mask.FileSize, mask.Checksum))
		if err != nil {
			return nil, nil, wrapErr(err)
		}
		mask = *restarted
	}

	session := &models.UploadSession{
		ID:          uuid.New(),
		MaskID:      mask.ID,
		MaskGroupID: groupID,
		SliceIndex:  slice,
		FilePath:    mask.FilePath,
		State:       models.UploadPending,
		ExpiresAt:   req.ExpiresAt,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO upload_sessions (id, mask_id, mask_group_id, slice_index, file_path, state, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, session.ID, session.MaskID, session.MaskGroupID, session.SliceIndex, session.FilePath, string(session.State),
		session.ExpiresAt).Scan(&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, nil, wrapErr(err)
	}

	return &mask, session, nil
}

func (s *PostgresStore) UpdateUploadSession(ctx context.Context, id uuid.UUID, state models.UploadState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_sessions SET state = $1, updated_at = NOW() WHERE id = $2`, string(state), id)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound.New("upload session %s not found", id)
	}
	return nil
}

func (s *PostgresStore) GetUploadSession(ctx context.Context, maskID int64) (*models.UploadSession, error) {
	us, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM upload_sessions
		WHERE mask_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, maskID))
	if err != nil {
		return nil, notFound(err, "mask %d has no upload session", maskID)
	}
	return us, nil
}

type finishStep struct {
	mask    *models.Mask
	session *models.UploadSession
	outcome UploadOutcome
}

func (s *PostgresStore) FinishUpload(ctx context.Context, groupID int64, outcomes []UploadOutcome, now time.Time) ([]models.Mask, error) {
	var result []models.Mask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockMaskGroup(ctx, tx, groupID); err != nil {
			return err
		}

		steps := make([]finishStep, 0, len(outcomes))
		for _, outcome := range outcomes {
			mask, err := scanMask(tx.QueryRowContext(ctx,
				`SELECT `+maskColumns+` FROM masks WHERE mask_group_id = $1 AND file_path = $2 FOR UPDATE`,
				groupID, outcome.FilePath))
			if err != nil {
				return notFound(err, "no mask stored under %q in mask group %d", outcome.FilePath, groupID)
			}
			session, err := latestSession(ctx, tx, mask.ID)
			if err != nil {
				return err
			}
			if err := checkFinishable(mask, session, now); err != nil {
				return err
			}
			steps = append(steps, finishStep{mask: mask, session: session, outcome: outcome})
		}

		result = make([]models.Mask, 0, len(steps))
		for _, step := range steps {
			if step.mask.Status == models.MaskCompleted {
				result = append(result, *step.mask)
				continue
			}

			maskStatus, sessionState := models.MaskCompleted, models.UploadCompleted
			if step.outcome.Failed {
				maskStatus, sessionState = models.MaskFailed, models.UploadFailed
			}
			updated, err := scanMask(tx.QueryRowContext(ctx, `
				UPDATE masks SET
					status = $2,
					label_name = CASE WHEN label_name = '' THEN $3 ELSE label_name END,
					updated_at = NOW()
				WHERE id = $1
				RETURNING `+maskColumns,
				step.mask.ID, string(maskStatus), step.outcome.Label))
			if err != nil {
				return wrapErr(err)
			}
			if step.session != nil {
				if err := setSessionState(ctx, tx, step.session.ID, sessionState); err != nil {
					return err
				}
			}
			result = append(result, *updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) CancelUpload(ctx context.Context, maskID int64) (*models.Mask, error) {
	var result *models.Mask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		mask, err := scanMask(tx.QueryRowContext(ctx,
			`SELECT `+maskColumns+` FROM masks WHERE id = $1 FOR UPDATE`, maskID))
		if err != nil {
			return notFound(err, "mask %d not found", maskID)
		}
		if err := checkCancelable(mask); err != nil {
			return err
		}
		if mask.Status == models.MaskFailed {
			result = mask
			return nil
		}

		session, err := latestSession(ctx, tx, mask.ID)
		if err != nil {
			return err
		}
		if session != nil && (session.State == models.UploadPending || session.State == models.UploadDelivered) {
			if err := setSessionState(ctx, tx, session.ID, models.UploadFailed); err != nil {
				return err
			}
		}

		result, err = scanMask(tx.QueryRowContext(ctx,
			`UPDATE masks SET status = 'FAILED', updated_at = NOW() WHERE id = $1 RETURNING `+maskColumns, maskID))
		return wrapErr(err)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) DeleteSubtree(ctx context.Context, node Node) ([]string, error) {
	var keysQuery, deleteQuery string
	switch node.Kind {
	case NodeAnnotation:
		keysQuery = `SELECT m.file_path FROM masks m JOIN mask_groups g ON g.id = m.mask_group_id WHERE g.annotation_id = $1`
		deleteQuery = `DELETE FROM annotations WHERE id = $1`
	case NodeMaskGroup:
		keysQuery = `SELECT file_path FROM masks WHERE mask_group_id = $1`
		deleteQuery = `DELETE FROM mask_groups WHERE id = $1`
	case NodeMask:
		keysQuery = `SELECT file_path FROM masks WHERE id = $1`
		deleteQuery = `DELETE FROM masks WHERE id = $1`
	default:
		return nil, Error.New("unknown node kind %d", node.Kind)
	}

	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, keysQuery, node.ID)
		if err != nil {
			return wrapErr(err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				_ = rows.Close()
				return wrapErr(err)
			}
			keys = append(keys, key)
		}
		if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
			return wrapErr(err)
		}

		// upload sessions go with their masks through ON DELETE CASCADE
		res, err := tx.ExecContext(ctx, deleteQuery, node.ID)
		if err != nil {
			return wrapErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound.New("%s %d not found", node.Kind, node.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
