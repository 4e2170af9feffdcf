package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database"
)

var _ database.LocationRepository = (*LocationRepo)(nil)

const locationColumns = `job_id, contractor_id, latitude, longitude, accuracy_m, heading_deg, speed_mps, captured_at, distance_remaining_m, eta_seconds, has_arrived, is_tracking_enabled, updated_at`

type LocationRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewLocationRepo(db *sql.DB) *LocationRepo {
	return &LocationRepo{db: db, now: time.Now}
}

// Upsert writes loc as the job's current row unless the stored row was
// captured at the same time or later. A nil ETA keeps the stored one and
// has_arrived is left untouched.
func (r *LocationRepo) Upsert(ctx context.Context, loc *domain.ContractorLocation) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO contractor_locations (`+locationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11, $12)
		ON CONFLICT (job_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			accuracy_m = EXCLUDED.accuracy_m,
			heading_deg = EXCLUDED.heading_deg,
			speed_mps = EXCLUDED.speed_mps,
			captured_at = EXCLUDED.captured_at,
			distance_remaining_m = EXCLUDED.distance_remaining_m,
			eta_seconds = COALESCE(EXCLUDED.eta_seconds, contractor_locations.eta_seconds),
			is_tracking_enabled = EXCLUDED.is_tracking_enabled,
			updated_at = GREATEST(contractor_locations.updated_at, EXCLUDED.updated_at)
		WHERE contractor_locations.captured_at < EXCLUDED.captured_at`,
		loc.JobID, loc.ContractorID, loc.Lat, loc.Lon, loc.AccuracyM,
		nullFloat(loc.HeadingDeg), nullFloat(loc.SpeedMps), loc.CapturedAt,
		loc.DistanceRemainingM, nullInt(loc.ETASeconds), loc.IsTrackingEnabled, loc.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert location: %w", err)
	}
	return affected(res)
}

func (r *LocationRepo) AppendHistory(ctx context.Context, loc *domain.ContractorLocation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO location_history (job_id, contractor_id, latitude, longitude, accuracy_m, heading_deg, speed_mps, captured_at, distance_remaining_m, eta_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id, captured_at) DO NOTHING`,
		loc.JobID, loc.ContractorID, loc.Lat, loc.Lon, loc.AccuracyM,
		nullFloat(loc.HeadingDeg), nullFloat(loc.SpeedMps), loc.CapturedAt,
		loc.DistanceRemainingM, nullInt(loc.ETASeconds),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// MarkArrived flips has_arrived from false to true. Only the statement that
// actually changes the row gets true back.
func (r *LocationRepo) MarkArrived(ctx context.Context, jobID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE contractor_locations SET has_arrived = true, updated_at = GREATEST(updated_at, $2) WHERE job_id = $1 AND has_arrived = false`,
		jobID, r.now(),
	)
	if err != nil {
		return false, fmt.Errorf("mark arrived: %w", err)
	}
	return affected(res)
}

func (r *LocationRepo) UpdateEstimate(ctx context.Context, jobID string, capturedAt time.Time, etaSeconds int, distanceM float64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE contractor_locations SET eta_seconds = $3, distance_remaining_m = $4, updated_at = GREATEST(updated_at, $5) WHERE job_id = $1 AND captured_at = $2`,
		jobID, capturedAt, etaSeconds, distanceM, r.now(),
	)
	if err != nil {
		return false, fmt.Errorf("update estimate: %w", err)
	}
	return affected(res)
}

func (r *LocationRepo) SetTrackingEnabled(ctx context.Context, jobID string, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contractor_locations SET is_tracking_enabled = $2, updated_at = GREATEST(updated_at, $3) WHERE job_id = $1`,
		jobID, enabled, r.now(),
	)
	if err != nil {
		return fmt.Errorf("set tracking enabled: %w", err)
	}
	return nil
}

func (r *LocationRepo) GetLatest(ctx context.Context, jobID string) (*domain.ContractorLocation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM contractor_locations WHERE job_id = $1`,
		jobID,
	)

	loc, err := scanLocation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func (r *LocationRepo) GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.ContractorLocation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, contractor_id, latitude, longitude, accuracy_m, heading_deg, speed_mps, captured_at, distance_remaining_m, eta_seconds FROM location_history WHERE job_id = $1 AND captured_at >= $2 AND captured_at <= $3 ORDER BY captured_at ASC`,
		query.JobID, query.Start, query.End,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []domain.ContractorLocation
	for rows.Next() {
		var (
			loc     domain.ContractorLocation
			heading sql.NullFloat64
			speed   sql.NullFloat64
			eta     sql.NullInt64
		)
		if err := rows.Scan(&loc.JobID, &loc.ContractorID, &loc.Lat, &loc.Lon, &loc.AccuracyM,
			&heading, &speed, &loc.CapturedAt, &loc.DistanceRemainingM, &eta); err != nil {
			return nil, err
		}
		loc.HeadingDeg = floatPtr(heading)
		loc.SpeedMps = floatPtr(speed)
		loc.ETASeconds = intPtr(eta)
		results = append(results, loc)
	}
	return results, rows.Err()
}

func scanLocation(scan func(dest ...any) error) (*domain.ContractorLocation, error) {
	var (
		loc     domain.ContractorLocation
		heading sql.NullFloat64
		speed   sql.NullFloat64
		eta     sql.NullInt64
	)
	if err := scan(&loc.JobID, &loc.ContractorID, &loc.Lat, &loc.Lon, &loc.AccuracyM,
		&heading, &speed, &loc.CapturedAt, &loc.DistanceRemainingM, &eta,
		&loc.HasArrived, &loc.IsTrackingEnabled, &loc.UpdatedAt); err != nil {
		return nil, err
	}
	loc.HeadingDeg = floatPtr(heading)
	loc.SpeedMps = floatPtr(speed)
	loc.ETASeconds = intPtr(eta)
	return &loc, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
