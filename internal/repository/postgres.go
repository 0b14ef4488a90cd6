package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/reelforge/core/internal/model"
)

// Postgres is the production Repository implementation, backed by
// database/sql and github.com/lib/pq. StepContext, Checkpoint, and
// ErrorHistory are stored as JSONB columns.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool against dsn and tunes it the way the
// teacher's service entrypoints do (bounded open/idle connections, recycled
// periodically so a failed-over database doesn't wedge the pool).
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an already-opened *sql.DB, e.g. one built with go-sqlmock
// in tests.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

// Ping verifies the database is reachable, used by the operational /healthz
// endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) CreateRequest(ctx context.Context, req *model.Request) error {
	targets, err := json.Marshal(req.Targets)
	if err != nil {
		return fmt.Errorf("repository: marshal targets: %w", err)
	}
	episodes, err := json.Marshal(req.Episodes)
	if err != nil {
		return fmt.Errorf("repository: marshal episodes: %w", err)
	}
	if req.Status == "" {
		req.Status = model.StatusPending
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO requests (type, catalog_id, title, year, targets, episodes, status, progress, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, req.Type, req.CatalogID, req.Title, req.Year, targets, episodes, req.Status, req.Progress, req.Error)
	return row.Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
}

func (p *Postgres) CreateItem(ctx context.Context, params CreateItemParams) (*model.Item, error) {
	emptyCtx, _ := json.Marshal(model.StepContext{})
	emptyCheckpoint, _ := json.Marshal(model.Checkpoint{})
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO items (request_id, kind, catalog_id, title, year, season, episode, status, max_attempts, step_context, checkpoint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, params.RequestID, params.Kind, params.CatalogID, params.Title, params.Year,
		params.Season, params.Episode, model.StatusPending, params.MaxAttempts,
		emptyCtx, emptyCheckpoint)

	item := &model.Item{
		RequestID:   params.RequestID,
		Kind:        params.Kind,
		CatalogID:   params.CatalogID,
		Title:       params.Title,
		Year:        params.Year,
		Season:      params.Season,
		Episode:     params.Episode,
		Status:      model.StatusPending,
		MaxAttempts: params.MaxAttempts,
	}
	if err := row.Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, fmt.Errorf("repository: create item: %w", err)
	}
	return item, nil
}

const itemColumns = `
	id, request_id, kind, catalog_id, title, year, season, episode,
	status, current_step, step_context, checkpoint,
	attempts, max_attempts, last_error, error_history,
	next_retry_at, skip_until, cooldown_ends_at,
	download_id, encoding_job_id,
	progress, last_progress_update, last_progress_value,
	downloaded_at, encoded_at, delivered_at, completed_at,
	created_at, updated_at
`

func scanItem(row interface{ Scan(...any) error }) (*model.Item, error) {
	var (
		it              model.Item
		stepContextRaw  []byte
		checkpointRaw   []byte
		errorHistoryRaw []byte
	)
	err := row.Scan(
		&it.ID, &it.RequestID, &it.Kind, &it.CatalogID, &it.Title, &it.Year, &it.Season, &it.Episode,
		&it.Status, &it.CurrentStep, &stepContextRaw, &checkpointRaw,
		&it.Attempts, &it.MaxAttempts, &it.LastError, &errorHistoryRaw,
		&it.NextRetryAt, &it.SkipUntil, &it.CooldownEndsAt,
		&it.DownloadID, &it.EncodingJobID,
		&it.Progress, &it.LastProgressUpdate, &it.LastProgressValue,
		&it.DownloadedAt, &it.EncodedAt, &it.DeliveredAt, &it.CompletedAt,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: scan item: %w", err)
	}
	if len(stepContextRaw) > 0 {
		if err := json.Unmarshal(stepContextRaw, &it.StepContext); err != nil {
			return nil, fmt.Errorf("repository: unmarshal step_context: %w", err)
		}
	}
	if len(checkpointRaw) > 0 {
		if err := json.Unmarshal(checkpointRaw, &it.Checkpoint); err != nil {
			return nil, fmt.Errorf("repository: unmarshal checkpoint: %w", err)
		}
	}
	if len(errorHistoryRaw) > 0 {
		if err := json.Unmarshal(errorHistoryRaw, &it.ErrorHistory); err != nil {
			return nil, fmt.Errorf("repository: unmarshal error_history: %w", err)
		}
	}
	return &it, nil
}

func (p *Postgres) FindByID(ctx context.Context, id string) (*model.Item, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	return scanItem(row)
}

func (p *Postgres) FindByRequestID(ctx context.Context, requestID string) ([]*model.Item, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("repository: find by request id: %w", err)
	}
	defer rows.Close()
	return scanItemRows(rows)
}

func (p *Postgres) FindByStatus(ctx context.Context, status model.Status, now time.Time) ([]*model.Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE status = $1
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		  AND (skip_until IS NULL OR skip_until <= $2)
		ORDER BY created_at
	`, status, now)
	if err != nil {
		return nil, fmt.Errorf("repository: find by status: %w", err)
	}
	defer rows.Close()
	return scanItemRows(rows)
}

func (p *Postgres) FindAllByStatus(ctx context.Context, status model.Status) ([]*model.Item, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("repository: find all by status: %w", err)
	}
	defer rows.Close()
	return scanItemRows(rows)
}

func scanItemRows(rows *sql.Rows) ([]*model.Item, error) {
	var out []*model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateStatus(ctx context.Context, id string, to model.Status, patch StatusPatch) (*model.Item, error) {
	existing, err := p.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	applyStatusPatch(existing, patch)
	existing.Status = to
	stepContextRaw, err := json.Marshal(existing.StepContext)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal step_context: %w", err)
	}
	now := time.Now()
	stampTransitionTimes(existing, to, now)
	_, err = p.db.ExecContext(ctx, `
		UPDATE items SET
			status = $1, current_step = $2, step_context = $3, progress = $4, last_error = $5,
			download_id = $6, encoding_job_id = $7,
			downloaded_at = $8, encoded_at = $9, delivered_at = $10, completed_at = $11,
			updated_at = $12
		WHERE id = $13
	`, existing.Status, existing.CurrentStep, stepContextRaw, existing.Progress, existing.LastError,
		existing.DownloadID, existing.EncodingJobID,
		existing.DownloadedAt, existing.EncodedAt, existing.DeliveredAt, existing.CompletedAt,
		now, id)
	if err != nil {
		return nil, fmt.Errorf("repository: update status: %w", err)
	}
	existing.UpdatedAt = now
	return existing, nil
}

func (p *Postgres) UpdateProgress(ctx context.Context, id string, pct int, patch ProgressPatch) (*model.Item, error) {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		UPDATE items SET
			progress = GREATEST(progress, $1),
			last_progress_update = $2,
			last_progress_value = $3,
			updated_at = $4
		WHERE id = $5
	`, pct, patch.LastProgressUpdate, patch.LastProgressValue, now, id)
	if err != nil {
		return nil, fmt.Errorf("repository: update progress: %w", err)
	}
	return p.FindByID(ctx, id)
}

func (p *Postgres) UpdateStepContext(ctx context.Context, id string, ctxPatch model.StepContext) (*model.Item, error) {
	existing, err := p.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := mergeStepContext(existing.StepContext, ctxPatch)
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal step_context: %w", err)
	}
	now := time.Now()
	if _, err := p.db.ExecContext(ctx, `UPDATE items SET step_context = $1, updated_at = $2 WHERE id = $3`, raw, now, id); err != nil {
		return nil, fmt.Errorf("repository: update step context: %w", err)
	}
	existing.StepContext = merged
	existing.UpdatedAt = now
	return existing, nil
}

func (p *Postgres) UpdateCheckpoint(ctx context.Context, id string, checkpoint model.Checkpoint) (*model.Item, error) {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal checkpoint: %w", err)
	}
	now := time.Now()
	if _, err := p.db.ExecContext(ctx, `UPDATE items SET checkpoint = $1, updated_at = $2 WHERE id = $3`, raw, now, id); err != nil {
		return nil, fmt.Errorf("repository: update checkpoint: %w", err)
	}
	return p.FindByID(ctx, id)
}

func (p *Postgres) IncrementAttempts(ctx context.Context, id string, nextRetryAt *time.Time) (*model.Item, error) {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		UPDATE items SET attempts = attempts + 1, next_retry_at = $1, updated_at = $2 WHERE id = $3
	`, nextRetryAt, now, id)
	if err != nil {
		return nil, fmt.Errorf("repository: increment attempts: %w", err)
	}
	return p.FindByID(ctx, id)
}

func (p *Postgres) ResetAttempts(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE items SET attempts = 0, updated_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("repository: reset attempts: %w", err)
	}
	return nil
}

func (p *Postgres) SetRetryGates(ctx context.Context, id string, nextRetryAt, skipUntil *time.Time, lastError string) (*model.Item, error) {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		UPDATE items SET next_retry_at = $1, skip_until = $2, last_error = $3, updated_at = $4 WHERE id = $5
	`, nextRetryAt, skipUntil, lastError, now, id)
	if err != nil {
		return nil, fmt.Errorf("repository: set retry gates: %w", err)
	}
	return p.FindByID(ctx, id)
}

func (p *Postgres) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	var (
		req          model.Request
		targetsRaw   []byte
		episodesRaw  []byte
	)
	row := p.db.QueryRowContext(ctx, `
		SELECT id, type, catalog_id, title, year, targets, episodes, status, progress, error, created_at, updated_at
		FROM requests WHERE id = $1
	`, id)
	err := row.Scan(&req.ID, &req.Type, &req.CatalogID, &req.Title, &req.Year, &targetsRaw, &episodesRaw,
		&req.Status, &req.Progress, &req.Error, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: get request: %w", err)
	}
	if len(targetsRaw) > 0 {
		if err := json.Unmarshal(targetsRaw, &req.Targets); err != nil {
			return nil, fmt.Errorf("repository: unmarshal targets: %w", err)
		}
	}
	if len(episodesRaw) > 0 {
		if err := json.Unmarshal(episodesRaw, &req.Episodes); err != nil {
			return nil, fmt.Errorf("repository: unmarshal episodes: %w", err)
		}
	}
	return &req, nil
}

func (p *Postgres) DeleteRequest(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE request_id = $1`, id); err != nil {
		return fmt.Errorf("repository: delete items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("repository: delete request: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) UpdateRequestAggregates(ctx context.Context, requestID string) (*model.Aggregates, error) {
	items, err := p.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	agg := computeAggregates(items)
	_, err = p.db.ExecContext(ctx, `
		UPDATE requests SET status = $1, progress = $2, error = $3, updated_at = $4 WHERE id = $5
	`, agg.Status, agg.Progress, agg.Error, time.Now(), requestID)
	if err != nil {
		return nil, fmt.Errorf("repository: update request aggregates: %w", err)
	}
	return &agg, nil
}

func (p *Postgres) GetTargetServer(ctx context.Context, id string) (*model.TargetServer, error) {
	var ts model.TargetServer
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, transport_kind, root_path, concurrency_per_server,
		       endpoint, region, access_key, secret_key, use_ssl
		FROM target_servers WHERE id = $1
	`, id)
	err := row.Scan(&ts.ID, &ts.Name, &ts.TransportKind, &ts.RootPath, &ts.ConcurrencyPerServer,
		&ts.Endpoint, &ts.Region, &ts.AccessKey, &ts.SecretKey, &ts.UseSSL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: get target server: %w", err)
	}
	return &ts, nil
}

func (p *Postgres) ListTargetServers(ctx context.Context, ids []string) ([]*model.TargetServer, error) {
	out := make([]*model.TargetServer, 0, len(ids))
	for _, id := range ids {
		ts, err := p.GetTargetServer(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

