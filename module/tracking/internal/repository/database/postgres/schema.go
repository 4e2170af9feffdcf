package postgres

import (
	"database/sql"
	"fmt"
	"time"

	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// contractorLocationRow and locationHistoryRow only describe the schema for
// AutoMigrate; reads and writes go through LocationRepo.
type contractorLocationRow struct {
	JobID              string    `gorm:"column:job_id;primaryKey"`
	ContractorID       string    `gorm:"column:contractor_id;not null;index"`
	Latitude           float64   `gorm:"column:latitude;not null"`
	Longitude          float64   `gorm:"column:longitude;not null"`
	AccuracyM          float64   `gorm:"column:accuracy_m;not null;default:0"`
	HeadingDeg         *float64  `gorm:"column:heading_deg"`
	SpeedMps           *float64  `gorm:"column:speed_mps"`
	CapturedAt         time.Time `gorm:"column:captured_at;not null"`
	DistanceRemainingM float64   `gorm:"column:distance_remaining_m;not null;default:0"`
	ETASeconds         *int      `gorm:"column:eta_seconds"`
	HasArrived         bool      `gorm:"column:has_arrived;not null;default:false"`
	IsTrackingEnabled  bool      `gorm:"column:is_tracking_enabled;not null;default:false"`
	UpdatedAt          time.Time `gorm:"column:updated_at;not null"`
}

func (contractorLocationRow) TableName() string { return "contractor_locations" }

type locationHistoryRow struct {
	JobID              string    `gorm:"column:job_id;primaryKey"`
	CapturedAt         time.Time `gorm:"column:captured_at;primaryKey"`
	ContractorID       string    `gorm:"column:contractor_id;not null"`
	Latitude           float64   `gorm:"column:latitude;not null"`
	Longitude          float64   `gorm:"column:longitude;not null"`
	AccuracyM          float64   `gorm:"column:accuracy_m;not null;default:0"`
	HeadingDeg         *float64  `gorm:"column:heading_deg"`
	SpeedMps           *float64  `gorm:"column:speed_mps"`
	DistanceRemainingM float64   `gorm:"column:distance_remaining_m;not null;default:0"`
	ETASeconds         *int      `gorm:"column:eta_seconds"`
}

func (locationHistoryRow) TableName() string { return "location_history" }

// Migrate creates or updates the tracking tables on an open connection.
func Migrate(db *sql.DB) error {
	gdb, err := gorm.Open(gormpg.New(gormpg.Config{Conn: db}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("gorm open: %w", err)
	}
	if err := gdb.AutoMigrate(&contractorLocationRow{}, &locationHistoryRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
