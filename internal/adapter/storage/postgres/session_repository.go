package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/balanzlc/balanz/internal/domain"
)

// SessionRecord is the gorm model mirroring one closed session (spec.md §6,
// SPEC_FULL.md §4.2 durable mirror). Only closed sessions are written. This
// package does not create the table (RunMigrations is a no-op), so
// balanz_sessions must already exist in the database.
type SessionRecord struct {
	ID           string `gorm:"primaryKey"`
	ChargerID    string
	ConnectorIdx int
	IDTag        string
	StopIDTag    string
	Priority     int
	StartTime    int64 // unix seconds
	StopTime     int64
	StopReason   string
	EnergyWh     float64
}

func (SessionRecord) TableName() string { return "balanz_sessions" }

// SessionRepository implements ports.SessionRepository: a best-effort mirror
// of closed sessions into Postgres for ad-hoc querying/reporting. Failures
// here never block the CSV append log (SPEC_FULL.md §4.2).
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) SaveClosedSession(ctx context.Context, s *domain.Session) error {
	rec := SessionRecord{
		ID: s.ID, ChargerID: s.ChargerID, ConnectorIdx: s.ConnectorIdx,
		IDTag: s.IDTag, StopIDTag: s.StopIDTag, Priority: s.Priority,
		StartTime: s.StartTime.Unix(), StopTime: s.StopTime.Unix(),
		StopReason: s.StopReason, EnergyWh: s.EnergyWh,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}
