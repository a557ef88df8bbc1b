// Package sqlite stores users, sync profiles and records in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Unfixab1e/fitfolio/internal/domain"
)

//go:embed schema.sql
var schema string

const timeLayout = time.RFC3339Nano

// Store is the single-node backend used by the CLI and local deployments.
type Store struct {
	path string
	db   *sql.DB
	now  func() time.Time
}

var _ domain.Store = (*Store)(nil)

// Open creates the database file and its directory when missing and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Serialise writers; SQLite allows one at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{path: path, db: db, now: time.Now}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// GetUser implements domain.UserRepository.
func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.queryUser(ctx, `SELECT user_id, username, email, created_at FROM users WHERE user_id = ?`, userID)
}

// GetUserByUsername implements domain.UserRepository.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.queryUser(ctx, `SELECT user_id, username, email, created_at FROM users WHERE username = ?`, username)
}

func (s *Store) queryUser(ctx context.Context, query, arg string) (*domain.User, error) {
	var (
		user    domain.User
		created string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Username, &user.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	user.CreatedAt, err = time.Parse(timeLayout, created)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUser implements domain.UserRepository.
func (s *Store) CreateUser(ctx context.Context, user domain.User) error {
	existing, err := s.GetUserByUsername(ctx, user.Username)
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrUserExists
	}
	if strings.TrimSpace(user.ID) == "" {
		user.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (user_id, username, email, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, s.timestamp())
	return err
}

const profileQuery = `SELECT p.user_id, u.username, p.subject_id, p.sync_enabled, p.last_sync, p.created_at, p.updated_at
    FROM sync_profiles p JOIN users u ON u.user_id = p.user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (domain.SyncProfile, error) {
	var (
		p                domain.SyncProfile
		lastSync         sql.NullString
		created, updated string
	)
	if err := row.Scan(&p.UserID, &p.Username, &p.SubjectID, &p.SyncEnabled, &lastSync, &created, &updated); err != nil {
		return p, err
	}
	var err error
	if p.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return p, err
	}
	if lastSync.Valid {
		t, err := time.Parse(timeLayout, lastSync.String)
		if err != nil {
			return p, err
		}
		p.LastSync = &t
	}
	return p, nil
}

// GetProfile implements domain.ProfileRepository.
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.SyncProfile, error) {
	profile, err := scanProfile(s.db.QueryRowContext(ctx, profileQuery+` WHERE p.user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// SaveProfile implements domain.ProfileRepository.
func (s *Store) SaveProfile(ctx context.Context, profile domain.SyncProfile) (bool, error) {
	existing, err := s.GetProfile(ctx, profile.UserID)
	if err != nil {
		return false, &domain.StoreError{Op: "save profile", Err: err}
	}

	now := s.timestamp()
	const stmt = `INSERT INTO sync_profiles (user_id, subject_id, sync_enabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            subject_id = excluded.subject_id,
            sync_enabled = excluded.sync_enabled,
            updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, stmt, profile.UserID, profile.SubjectID, profile.SyncEnabled, now, now); err != nil {
		return false, &domain.StoreError{Op: "save profile", Err: err}
	}
	return existing == nil, nil
}

// ListSyncEnabled implements domain.ProfileRepository.
func (s *Store) ListSyncEnabled(ctx context.Context) ([]domain.SyncProfile, error) {
	rows, err := s.db.QueryContext(ctx, profileQuery+` WHERE p.sync_enabled = 1 AND trim(p.subject_id) <> '' ORDER BY u.username, p.user_id`)
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

// MarkSynced implements domain.ProfileRepository.
func (s *Store) MarkSynced(ctx context.Context, userID string, summary domain.SyncSummary) error {
	syncedAt := summary.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = s.now()
	}
	stamp := syncedAt.UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `UPDATE sync_profiles SET last_sync = ?, updated_at = ? WHERE user_id = ?`, stamp, stamp, userID)
	if err != nil {
		return &domain.StoreError{Op: "mark synced", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &domain.StoreError{Op: "mark synced", Err: domain.ErrUserNotFound}
	}
	return nil
}

// Upsert implements domain.RecordRepository. The row revision starts at 1 and
// grows on every overwrite, so revision 1 in the returned row means it was created.
func (s *Store) Upsert(ctx context.Context, rec domain.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, &domain.StoreError{Op: "upsert", Metric: rec.Metric, Err: err}
	}

	now := s.timestamp()
	id := uuid.NewString()
	date := rec.DateKey()

	var (
		stmt string
		args []any
	)
	switch rec.Metric {
	case domain.MetricSteps:
		stmt = `INSERT INTO activity_records (record_id, user_id, date, steps, distance_km, calories_burned, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(user_id, date) DO UPDATE SET
                steps = excluded.steps,
                distance_km = excluded.distance_km,
                calories_burned = excluded.calories_burned,
                updated_at = excluded.updated_at,
                revision = revision + 1
            RETURNING revision`
		args = []any{id, rec.UserID, date, rec.Activity.Steps, rec.Activity.DistanceKM, rec.Activity.CaloriesBurned, now, now}
	case domain.MetricWeight:
		stmt = `INSERT INTO weight_records (record_id, user_id, date, weight_kg, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT(user_id, date) DO UPDATE SET
                weight_kg = excluded.weight_kg,
                updated_at = excluded.updated_at,
                revision = revision + 1
            RETURNING revision`
		args = []any{id, rec.UserID, date, rec.Weight.WeightKG, now, now}
	case domain.MetricSleepSession:
		sl := rec.Sleep
		stmt = `INSERT INTO sleep_records (record_id, user_id, date, sleep_start, sleep_end, total_sleep_minutes,
                deep_sleep_minutes, light_sleep_minutes, rem_sleep_minutes, awake_minutes, sleep_quality_score, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(user_id, date) DO UPDATE SET
                sleep_start = excluded.sleep_start,
                sleep_end = excluded.sleep_end,
                total_sleep_minutes = excluded.total_sleep_minutes,
                deep_sleep_minutes = excluded.deep_sleep_minutes,
                light_sleep_minutes = excluded.light_sleep_minutes,
                rem_sleep_minutes = excluded.rem_sleep_minutes,
                awake_minutes = excluded.awake_minutes,
                sleep_quality_score = excluded.sleep_quality_score,
                updated_at = excluded.updated_at,
                revision = revision + 1
            RETURNING revision`
		args = []any{id, rec.UserID, date, nullTime(sl.Start), nullTime(sl.End), sl.TotalMinutes,
			nullInt(sl.DeepMinutes), nullInt(sl.LightMinutes), nullInt(sl.REMMinutes), nullInt(sl.AwakeMinutes), nullInt(sl.QualityScore), now, now}
	}

	var revision int64
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&revision); err != nil {
		return false, &domain.StoreError{Op: "upsert", Metric: rec.Metric, Err: err}
	}
	return revision == 1, nil
}

// ListByUserAndDateRange implements domain.RecordRepository.
func (s *Store) ListByUserAndDateRange(ctx context.Context, q domain.RecordQuery) ([]domain.Record, *domain.Cursor, error) {
	var (
		table   string
		columns string
	)
	switch q.Metric {
	case domain.MetricSteps:
		table, columns = "activity_records", "steps, distance_km, calories_burned"
	case domain.MetricWeight:
		table, columns = "weight_records", "weight_kg"
	case domain.MetricSleepSession:
		table, columns = "sleep_records", "sleep_start, sleep_end, total_sleep_minutes, deep_sleep_minutes, light_sleep_minutes, rem_sleep_minutes, awake_minutes, sleep_quality_score"
	default:
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedMetric, q.Metric)
	}

	conds := []string{"user_id = ?"}
	args := []any{q.UserID}
	if !q.From.IsZero() {
		conds = append(conds, "date >= ?")
		args = append(args, q.From.Format(domain.DateLayout))
	}
	if !q.To.IsZero() {
		conds = append(conds, "date <= ?")
		args = append(args, q.To.Format(domain.DateLayout))
	}
	if q.Cursor != nil {
		conds = append(conds, "(date, record_id) < (?, ?)")
		args = append(args, q.Cursor.Date.Format(domain.DateLayout), q.Cursor.ID)
	}

	query := fmt.Sprintf(`SELECT record_id, user_id, date, created_at, updated_at, %s FROM %s WHERE %s ORDER BY date DESC, record_id DESC`,
		columns, table, strings.Join(conds, " AND "))
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, &domain.StoreError{Op: "list", Metric: q.Metric, Err: err}
	}
	defer rows.Close()

	results := make([]domain.Record, 0)
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

	var next *domain.Cursor
	if q.Limit > 0 && len(results) == q.Limit {
		last := results[len(results)-1]
		next = &domain.Cursor{Date: last.Date, ID: last.ID}
	}
	return results, next, nil
}

func scanRecord(rows *sql.Rows, metric domain.MetricType) (domain.Record, error) {
	var (
		rec                    = domain.Record{Metric: metric}
		date, created, updated string
	)
	dest := []any{&rec.ID, &rec.UserID, &date, &created, &updated}

	var (
		start, end                     sql.NullString
		deep, light, rem, awake, score sql.NullInt64
	)
	switch metric {
	case domain.MetricSteps:
		rec.Activity = &domain.ActivityFields{}
		dest = append(dest, &rec.Activity.Steps, &rec.Activity.DistanceKM, &rec.Activity.CaloriesBurned)
	case domain.MetricWeight:
		rec.Weight = &domain.WeightFields{}
		dest = append(dest, &rec.Weight.WeightKG)
	default:
		rec.Sleep = &domain.SleepFields{}
		dest = append(dest, &start, &end, &rec.Sleep.TotalMinutes, &deep, &light, &rem, &awake, &score)
	}

	if err := rows.Scan(dest...); err != nil {
		return domain.Record{}, err
	}

	var err error
	if rec.Date, err = time.Parse(domain.DateLayout, date); err != nil {
		return domain.Record{}, err
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return domain.Record{}, err
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return domain.Record{}, err
	}

	if rec.Sleep != nil {
		if rec.Sleep.Start, err = parseNullTime(start); err != nil {
			return domain.Record{}, err
		}
		if rec.Sleep.End, err = parseNullTime(end); err != nil {
			return domain.Record{}, err
		}
		rec.Sleep.DeepMinutes = intPtr(deep)
		rec.Sleep.LightMinutes = intPtr(light)
		rec.Sleep.REMMinutes = intPtr(rem)
		rec.Sleep.AwakeMinutes = intPtr(awake)
		rec.Sleep.QualityScore = intPtr(score)
	}
	return rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
