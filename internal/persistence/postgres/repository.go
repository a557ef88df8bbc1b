package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/events"
)

const uniqueViolation = "23505"

// Repository provides Postgres-backed persistence for users, sync profiles,
// the three record tables and the outbox.
type Repository struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open connects a pool to databaseURL and verifies it answers.
func Open(ctx context.Context, databaseURL string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool exposes the underlying pool for the outbox dispatcher.
func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

// Close releases every pooled connection.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// GetUser returns the user with the given id, or nil when none exists.
func (r *Repository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return r.queryUser(ctx, `SELECT user_id::text, username, email, created_at FROM users WHERE user_id::text = $1`, userID)
}

// GetUserByUsername returns the user with the given username, or nil when none exists.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.queryUser(ctx, `SELECT user_id::text, username, email, created_at FROM users WHERE username = $1`, username)
}

func (r *Repository) queryUser(ctx context.Context, query string, arg string) (*domain.User, error) {
	var user domain.User
	err := r.pool.QueryRow(ctx, query, arg).Scan(&user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a user. A taken username yields domain.ErrUserExists.
func (r *Repository) CreateUser(ctx context.Context, user domain.User) error {
	const stmt = `INSERT INTO users (user_id, username, email) VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3)`
	if _, err := r.pool.Exec(ctx, stmt, user.ID, user.Username, user.Email); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrUserExists
		}
		return err
	}
	return nil
}

const profileColumns = `p.user_id::text, u.username, p.subject_id, p.sync_enabled, p.last_sync, p.created_at, p.updated_at`

func scanProfile(row pgx.Row) (domain.SyncProfile, error) {
	var p domain.SyncProfile
	err := row.Scan(&p.UserID, &p.Username, &p.SubjectID, &p.SyncEnabled, &p.LastSync, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetProfile returns the sync profile of a user, or nil when none exists.
func (r *Repository) GetProfile(ctx context.Context, userID string) (*domain.SyncProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM sync_profiles p JOIN users u ON u.user_id = p.user_id WHERE p.user_id::text = $1`
	profile, err := scanProfile(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

// SaveProfile creates or replaces the subject id and enabled flag of a profile.
func (r *Repository) SaveProfile(ctx context.Context, profile domain.SyncProfile) (bool, error) {
	const stmt = `INSERT INTO sync_profiles (user_id, subject_id, sync_enabled)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id) DO UPDATE SET
            subject_id = EXCLUDED.subject_id,
            sync_enabled = EXCLUDED.sync_enabled,
            updated_at = NOW()
        RETURNING (xmax = 0)`

	var created bool
	if err := r.pool.QueryRow(ctx, stmt, profile.UserID, profile.SubjectID, profile.SyncEnabled).Scan(&created); err != nil {
		return false, &domain.StoreError{Op: "save profile", Err: err}
	}
	return created, nil
}

// ListSyncEnabled returns every profile that may be synced, ordered by username.
func (r *Repository) ListSyncEnabled(ctx context.Context) ([]domain.SyncProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM sync_profiles p JOIN users u ON u.user_id = p.user_id
        WHERE p.sync_enabled AND btrim(p.subject_id) <> ''
        ORDER BY u.username, p.user_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make([]domain.SyncProfile, 0)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// MarkSynced stamps last_sync and records a sync completed outbox event inside a single transaction.
func (r *Repository) MarkSynced(ctx context.Context, userID string, summary domain.SyncSummary) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &domain.StoreError{Op: "mark synced", Err: err}
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `UPDATE sync_profiles SET last_sync = $2, updated_at = NOW() WHERE user_id::text = $1`, userID, summary.SyncedAt)
	if err != nil {
		return &domain.StoreError{Op: "mark synced", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &domain.StoreError{Op: "mark synced", Err: domain.ErrUserNotFound}
	}

	if err = insertSyncCompleted(ctx, tx, userID, summary); err != nil {
		return &domain.StoreError{Op: "mark synced", Err: err}
	}

	if err = tx.Commit(ctx); err != nil {
		return &domain.StoreError{Op: "mark synced", Err: err}
	}
	return nil
}

func insertSyncCompleted(ctx context.Context, tx pgx.Tx, userID string, summary domain.SyncSummary) error {
	event := events.SyncCompleted{
		UserID:        userID,
		StepsRecords:  summary.StepsRecords,
		WeightRecords: summary.WeightRecords,
		SleepRecords:  summary.SleepRecords,
		TotalRecords:  summary.TotalRecords,
		SyncedAt:      summary.SyncedAt.UTC(),
	}
	for _, stage := range summary.Stages {
		if stage.Failed {
			event.FailedStages = append(event.FailedStages, string(stage.Metric))
		}
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", userID, events.SyncCompletedType, summary.SyncedAt.UnixNano())

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		"sync_profile",
		userID,
		events.SyncCompletedType,
		events.SyncCompletedTopic,
		events.SyncCompletedSubject,
		userID,
		body,
		dedupeKey,
	)
	return err
}

// Upsert creates or overwrites the (user, date) row of the record's metric table with a single statement.
func (r *Repository) Upsert(ctx context.Context, rec domain.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, &domain.StoreError{Op: "upsert", Metric: rec.Metric, Err: err}
	}

	var (
		stmt string
		args []any
	)
	switch rec.Metric {
	case domain.MetricSteps:
		stmt = `INSERT INTO activity_records (user_id, date, steps, distance_km, calories_burned)
            VALUES ($1, $2, $3, $4, $5)
            ON CONFLICT (user_id, date) DO UPDATE SET
                steps = EXCLUDED.steps,
                distance_km = EXCLUDED.distance_km,
                calories_burned = EXCLUDED.calories_burned,
                updated_at = NOW()
            RETURNING (xmax = 0)`
		args = []any{rec.UserID, rec.Date, rec.Activity.Steps, rec.Activity.DistanceKM, rec.Activity.CaloriesBurned}
	case domain.MetricWeight:
		stmt = `INSERT INTO weight_records (user_id, date, weight_kg)
            VALUES ($1, $2, $3)
            ON CONFLICT (user_id, date) DO UPDATE SET
                weight_kg = EXCLUDED.weight_kg,
                updated_at = NOW()
            RETURNING (xmax = 0)`
		args = []any{rec.UserID, rec.Date, rec.Weight.WeightKG}
	case domain.MetricSleepSession:
		s := rec.Sleep
		stmt = `INSERT INTO sleep_records (user_id, date, sleep_start, sleep_end, total_sleep_minutes,
                deep_sleep_minutes, light_sleep_minutes, rem_sleep_minutes, awake_minutes, sleep_quality_score)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
            ON CONFLICT (user_id, date) DO UPDATE SET
                sleep_start = EXCLUDED.sleep_start,
                sleep_end = EXCLUDED.sleep_end,
                total_sleep_minutes = EXCLUDED.total_sleep_minutes,
                deep_sleep_minutes = EXCLUDED.deep_sleep_minutes,
                light_sleep_minutes = EXCLUDED.light_sleep_minutes,
                rem_sleep_minutes = EXCLUDED.rem_sleep_minutes,
                awake_minutes = EXCLUDED.awake_minutes,
                sleep_quality_score = EXCLUDED.sleep_quality_score,
                updated_at = NOW()
            RETURNING (xmax = 0)`
		args = []any{rec.UserID, rec.Date, s.Start, s.End, s.TotalMinutes, s.DeepMinutes, s.LightMinutes, s.REMMinutes, s.AwakeMinutes, s.QualityScore}
	}

	var created bool
	if err := r.pool.QueryRow(ctx, stmt, args...).Scan(&created); err != nil {
		return false, &domain.StoreError{Op: "upsert", Metric: rec.Metric, Err: err}
	}
	return created, nil
}

var recordColumns = map[domain.MetricType]string{
	domain.MetricSteps:        `steps, distance_km, calories_burned`,
	domain.MetricWeight:       `weight_kg`,
	domain.MetricSleepSession: `sleep_start, sleep_end, total_sleep_minutes, deep_sleep_minutes, light_sleep_minutes, rem_sleep_minutes, awake_minutes, sleep_quality_score`,
}

// ListByUserAndDateRange returns records of one metric ordered newest first.
func (r *Repository) ListByUserAndDateRange(ctx context.Context, q domain.RecordQuery) ([]domain.Record, *domain.Cursor, error) {
	table, err := tableFor(q.Metric)
	if err != nil {
		return nil, nil, err
	}

	args := []any{q.UserID}
	conds := []string{"user_id::text = $1"}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conds = append(conds, fmt.Sprintf("date >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conds = append(conds, fmt.Sprintf("date <= $%d", len(args)))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.Date, q.Cursor.ID)
		conds = append(conds, fmt.Sprintf("(date, record_id) < ($%d, $%d::uuid)", len(args)-1, len(args)))
	}

	query := fmt.Sprintf(`SELECT record_id::text, user_id::text, date, created_at, updated_at, %s FROM %s WHERE %s ORDER BY date DESC, record_id DESC`,
		recordColumns[q.Metric], table, strings.Join(conds, " AND "))
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, &domain.StoreError{Op: "list", Metric: q.Metric, Err: err}
	}
	defer rows.Close()

	results := make([]domain.Record, 0, q.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows, q.Metric)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if q.Limit > 0 && len(results) == q.Limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{Date: last.Date, ID: last.ID}
	}
	return results, nextCursor, nil
}

func tableFor(metric domain.MetricType) (string, error) {
	switch metric {
	case domain.MetricSteps:
		return "activity_records", nil
	case domain.MetricWeight:
		return "weight_records", nil
	case domain.MetricSleepSession:
		return "sleep_records", nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedMetric, metric)
}

func scanRecord(rows pgx.Rows, metric domain.MetricType) (domain.Record, error) {
	rec := domain.Record{Metric: metric}
	dest := []any{&rec.ID, &rec.UserID, &rec.Date, &rec.CreatedAt, &rec.UpdatedAt}

	switch metric {
	case domain.MetricSteps:
		a := &domain.ActivityFields{}
		rec.Activity = a
		dest = append(dest, &a.Steps, &a.DistanceKM, &a.CaloriesBurned)
	case domain.MetricWeight:
		w := &domain.WeightFields{}
		rec.Weight = w
		dest = append(dest, &w.WeightKG)
	default:
		s := &domain.SleepFields{}
		rec.Sleep = s
		dest = append(dest, &s.Start, &s.End, &s.TotalMinutes, &s.DeepMinutes, &s.LightMinutes, &s.REMMinutes, &s.AwakeMinutes, &s.QualityScore)
	}

	if err := rows.Scan(dest...); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}
