package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs -------------------------------------------------------------------

const jobColumns = `id, page_id, site_id, state, prompt, retry_count, max_retries, total_cost_usd, max_cost_usd,
	last_retry_at, error_code, error_message, version, created_at, updated_at`

// CreateJob inserts a job row together with any seed history.
func (s *Store) CreateJob(ctx context.Context, job models.GenerationJob) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO generation_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.PageID, job.SiteID, job.State, job.Prompt, job.RetryCount, job.MaxRetries, job.TotalCostUSD,
		job.MaxCostUSD, job.LastRetryAt, emptyToNil(string(job.ErrorCode)), emptyToNil(job.ErrorMessage), job.Version,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	if err := insertTransitions(ctx, tx, job.ID, 0, job.History); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob fetches a job and its ordered transition history.
func (s *Store) GetJob(ctx context.Context, id string) (models.GenerationJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.GenerationJob{}, err
	}
	if job.History, err = s.loadTransitions(ctx, job.ID); err != nil {
		return models.GenerationJob{}, err
	}
	return job, nil
}

// GetJobByPage returns the newest job for a page.
func (s *Store) GetJobByPage(ctx context.Context, pageID string) (models.GenerationJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs WHERE page_id = $1 ORDER BY created_at DESC LIMIT 1
	`, pageID)
	job, err := scanJob(row)
	if err != nil {
		return models.GenerationJob{}, err
	}
	if job.History, err = s.loadTransitions(ctx, job.ID); err != nil {
		return models.GenerationJob{}, err
	}
	return job, nil
}

// ListJobs returns jobs, optionally filtered by state, without history.
func (s *Store) ListJobs(ctx context.Context, state models.JobState) ([]models.GenerationJob, error) {
	q := psql.Select(jobColumns).From("generation_jobs").OrderBy("id")
	if state != "" {
		q = q.Where(sq.Eq{"state": string(state)})
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SaveJob writes the job iff the stored version still equals expectedVersion,
// then appends history entries the stored row does not have yet.
func (s *Store) SaveJob(ctx context.Context, job models.GenerationJob, expectedVersion int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	sql, args, err := psql.Update("generation_jobs").SetMap(map[string]any{
		"state":          string(job.State),
		"prompt":         job.Prompt,
		"retry_count":    job.RetryCount,
		"max_retries":    job.MaxRetries,
		"total_cost_usd": job.TotalCostUSD,
		"max_cost_usd":   job.MaxCostUSD,
		"last_retry_at":  job.LastRetryAt,
		"error_code":     emptyToNil(string(job.ErrorCode)),
		"error_message":  emptyToNil(job.ErrorMessage),
		"version":        job.Version,
		"updated_at":     job.UpdatedAt,
	}).Where(sq.Eq{"id": job.ID, "version": expectedVersion}).ToSql()
	if err != nil {
		return fmt.Errorf("build save job: %w", err)
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM generation_jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	var stored int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM job_transitions WHERE job_id = $1`, job.ID).Scan(&stored); err != nil {
		return fmt.Errorf("count transitions: %w", err)
	}
	if stored < len(job.History) {
		if err := insertTransitions(ctx, tx, job.ID, stored, job.History[stored:]); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertTransitions(ctx context.Context, tx pgx.Tx, jobID string, offset int, records []models.TransitionRecord) error {
	if len(records) == 0 {
		return nil
	}
	q := psql.Insert("job_transitions").Columns("job_id", "ordinal", "seq", "from_state", "to_state", "reason", "error_code", "at")
	for i, r := range records {
		q = q.Values(jobID, offset+i, r.Seq, string(r.From), string(r.To), r.Reason, emptyToNil(string(r.ErrorCode)), r.At)
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert transitions: %w", err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert transitions: %w", err)
	}
	return nil
}

func (s *Store) loadTransitions(ctx context.Context, jobID string) ([]models.TransitionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, from_state, to_state, reason, error_code, at
		FROM job_transitions WHERE job_id = $1 ORDER BY ordinal
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	var out []models.TransitionRecord
	for rows.Next() {
		var (
			r    models.TransitionRecord
			from string
			to   string
			code pgtype.Text
		)
		if err := rows.Scan(&r.Seq, &from, &to, &r.Reason, &code, &r.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		r.From, r.To = models.JobState(from), models.JobState(to)
		r.ErrorCode = errcodes.Code(code.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.GenerationJob, error) {
	var (
		job     models.GenerationJob
		state   string
		retryAt pgtype.Timestamptz
		code    pgtype.Text
		msg     pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.PageID, &job.SiteID, &state, &job.Prompt, &job.RetryCount, &job.MaxRetries,
		&job.TotalCostUSD, &job.MaxCostUSD, &retryAt, &code, &msg, &job.Version, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.GenerationJob{}, ErrNotFound
		}
		return models.GenerationJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.State = models.JobState(state)
	if retryAt.Valid {
		t := retryAt.Time
		job.LastRetryAt = &t
	}
	job.ErrorCode = errcodes.Code(code.String)
	job.ErrorMessage = msg.String
	return job, nil
}

// --- Pages ------------------------------------------------------------------

const pageColumns = `id, site_id, silo_id, title, path, keyword, location, body_html, embedding, authority_score,
	source_urls, media_urls, governance_checks, status, created_at, updated_at`

// PutPage upserts a page row.
func (s *Store) PutPage(ctx context.Context, p models.ContentPage) error {
	checks, err := json.Marshal(nonNilChecks(p.GovernanceChecks))
	if err != nil {
		return fmt.Errorf("marshal governance checks: %w", err)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO content_pages (`+pageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			site_id = EXCLUDED.site_id, silo_id = EXCLUDED.silo_id, title = EXCLUDED.title, path = EXCLUDED.path,
			keyword = EXCLUDED.keyword, location = EXCLUDED.location, body_html = EXCLUDED.body_html,
			embedding = EXCLUDED.embedding, authority_score = EXCLUDED.authority_score,
			source_urls = EXCLUDED.source_urls, media_urls = EXCLUDED.media_urls,
			governance_checks = EXCLUDED.governance_checks, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, p.ID, p.SiteID, emptyToNil(p.SiloID), p.Title, p.Path, p.Keyword, p.Location, p.BodyHTML, nilIfEmpty(p.Embedding),
		p.AuthorityScore, nonNilStrings(p.SourceURLs), nonNilStrings(p.MediaURLs), checks, string(p.Status), p.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// GetPage fetches a page by id.
func (s *Store) GetPage(ctx context.Context, id string) (models.ContentPage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pageColumns+` FROM content_pages WHERE id = $1`, id)
	var (
		p      models.ContentPage
		silo   pgtype.Text
		status string
		checks []byte
	)
	if err := row.Scan(&p.ID, &p.SiteID, &silo, &p.Title, &p.Path, &p.Keyword, &p.Location, &p.BodyHTML, &p.Embedding,
		&p.AuthorityScore, &p.SourceURLs, &p.MediaURLs, &checks, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ContentPage{}, ErrNotFound
		}
		return models.ContentPage{}, fmt.Errorf("scan page: %w", err)
	}
	p.SiloID = silo.String
	p.Status = models.PageStatus(status)
	if len(checks) > 0 {
		if err := json.Unmarshal(checks, &p.GovernanceChecks); err != nil {
			return models.ContentPage{}, fmt.Errorf("unmarshal governance checks: %w", err)
		}
	}
	return p, nil
}

// UpdatePageContent replaces the generated body and its embedding.
func (s *Store) UpdatePageContent(ctx context.Context, id, bodyHTML string, embedding []float32) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE content_pages SET body_html = $2, embedding = $3, updated_at = NOW() WHERE id = $1
	`, id, bodyHTML, nilIfEmpty(embedding))
	if err != nil {
		return fmt.Errorf("update page content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetPageStatus(ctx context.Context, id string, status models.PageStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE content_pages SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("update page status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PutGovernanceCheck sets a single stage key inside the governance_checks document.
// Sibling stages are left untouched even under concurrent writers.
func (s *Store) PutGovernanceCheck(ctx context.Context, id string, stage models.GovernanceStage, check models.StageCheck) error {
	payload, err := json.Marshal(check)
	if err != nil {
		return fmt.Errorf("marshal stage check: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE content_pages
		SET governance_checks = jsonb_set(governance_checks, ARRAY[$2::text], $3::jsonb, true), updated_at = NOW()
		WHERE id = $1
	`, id, string(stage), payload)
	if err != nil {
		return fmt.Errorf("update governance check: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEmbeddings returns the similarity projection of every embedded, live page of a site.
func (s *Store) ListEmbeddings(ctx context.Context, siteID string) ([]models.PageEmbedding, error) {
	sql, args, err := psql.Select("id", "title", "path", "location", "embedding").
		From("content_pages").
		Where(sq.Eq{"site_id": siteID}).
		Where(sq.NotEq{"embedding": nil}).
		Where(sq.NotEq{"status": string(models.PageDecommissioned)}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list embeddings: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()
	var out []models.PageEmbedding
	for rows.Next() {
		var e models.PageEmbedding
		if err := rows.Scan(&e.PageID, &e.Title, &e.Path, &e.Location, &e.Embedding); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Sites & silos ----------------------------------------------------------

func (s *Store) PutSite(ctx context.Context, site models.Site) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sites (id, name, domain) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, domain = EXCLUDED.domain
	`, site.ID, site.Name, site.Domain)
	if err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	return nil
}

func (s *Store) GetSite(ctx context.Context, id string) (models.Site, error) {
	var site models.Site
	err := s.pool.QueryRow(ctx, `SELECT id, name, domain FROM sites WHERE id = $1`, id).Scan(&site.ID, &site.Name, &site.Domain)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Site{}, ErrNotFound
	}
	if err != nil {
		return models.Site{}, fmt.Errorf("query site: %w", err)
	}
	return site, nil
}

func (s *Store) PutSilo(ctx context.Context, silo models.Silo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO silos (id, site_id, parent_id, name) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET site_id = EXCLUDED.site_id, parent_id = EXCLUDED.parent_id, name = EXCLUDED.name
	`, silo.ID, silo.SiteID, emptyToNil(silo.ParentID), silo.Name)
	if err != nil {
		return fmt.Errorf("upsert silo: %w", err)
	}
	return nil
}

func (s *Store) ListSilos(ctx context.Context, siteID string) ([]models.Silo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, site_id, parent_id, name FROM silos WHERE site_id = $1 ORDER BY id
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list silos: %w", err)
	}
	defer rows.Close()
	var out []models.Silo
	for rows.Next() {
		var (
			silo   models.Silo
			parent pgtype.Text
		)
		if err := rows.Scan(&silo.ID, &silo.SiteID, &parent, &silo.Name); err != nil {
			return nil, fmt.Errorf("scan silo: %w", err)
		}
		silo.ParentID = parent.String
		out = append(out, silo)
	}
	return out, rows.Err()
}

// --- Reservations -----------------------------------------------------------

const reservationColumns = `id, site_id, intent_hash, location, expires_at, fulfilled_at, created_at`

// InsertReservation clears any expired holder of the intent key and inserts r
// in one transaction. The partial unique index arbitrates concurrent callers;
// the loser gets the active holder back with ErrConflict.
func (s *Store) InsertReservation(ctx context.Context, r models.ContentReservation, now time.Time) (models.ContentReservation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ContentReservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		DELETE FROM content_reservations
		WHERE site_id = $1 AND intent_hash = $2 AND location = $3 AND fulfilled_at IS NULL AND expires_at <= $4
	`, r.SiteID, r.IntentHash, r.Location, now); err != nil {
		return models.ContentReservation{}, fmt.Errorf("clear expired reservation: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO content_reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)
		ON CONFLICT DO NOTHING
	`, r.ID, r.SiteID, r.IntentHash, r.Location, r.ExpiresAt, r.CreatedAt)
	if err != nil {
		return models.ContentReservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Rollback(ctx); err != nil {
			return models.ContentReservation{}, fmt.Errorf("rollback after reservation conflict: %w", err)
		}
		existing, err := s.FindActiveReservation(ctx, r.SiteID, r.IntentHash, r.Location, now)
		if err != nil {
			return models.ContentReservation{}, err
		}
		return existing, ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ContentReservation{}, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

func (s *Store) FindActiveReservation(ctx context.Context, siteID, intentHash, location string, now time.Time) (models.ContentReservation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM content_reservations
		WHERE site_id = $1 AND intent_hash = $2 AND location = $3 AND fulfilled_at IS NULL AND expires_at > $4
	`, siteID, intentHash, location, now)
	return scanReservation(row)
}

func (s *Store) GetReservation(ctx context.Context, id string) (models.ContentReservation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM content_reservations WHERE id = $1`, id)
	return scanReservation(row)
}

// DeleteReservation is idempotent.
func (s *Store) DeleteReservation(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM content_reservations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

func (s *Store) MarkReservationFulfilled(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE content_reservations SET fulfilled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("fulfil reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredReservations removes every reservation whose expiry is not after now.
func (s *Store) DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	sql, args, err := psql.Delete("content_reservations").Where(sq.LtOrEq{"expires_at": now}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sweep: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("sweep reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanReservation(row pgx.Row) (models.ContentReservation, error) {
	var (
		r         models.ContentReservation
		fulfilled pgtype.Timestamptz
	)
	if err := row.Scan(&r.ID, &r.SiteID, &r.IntentHash, &r.Location, &r.ExpiresAt, &fulfilled, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ContentReservation{}, ErrNotFound
		}
		return models.ContentReservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	if fulfilled.Valid {
		t := fulfilled.Time
		r.FulfilledAt = &t
	}
	return r, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nilIfEmpty(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilChecks(v map[models.GovernanceStage]models.StageCheck) map[models.GovernanceStage]models.StageCheck {
	if v == nil {
		return map[models.GovernanceStage]models.StageCheck{}
	}
	return v
}
