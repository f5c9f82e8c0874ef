// Package archive persists Historique records in PostgreSQL.
package archive

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/config"
	"github.com/aegisshield/lifecycle-engine/internal/models"
)

// JSON is a jsonb column.
type JSON json.RawMessage

// Scan implements the Scanner interface for GORM
func (j *JSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return errors.Errorf("unsupported jsonb value %T", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for GORM
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return string(j), nil
}

// HistoriqueRecord is the database row of an archived request.
type HistoriqueRecord struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	DemandeID      string    `gorm:"not null;uniqueIndex"`
	Reference      string    `gorm:"not null"`
	TrackingNumber string    `gorm:"not null;index"`
	Type           string    `gorm:"not null;index"`
	FinalStatus    string    `gorm:"not null"`
	DecisionType   string    `gorm:"index"`
	DecidedBy      string    `gorm:"size:255"`
	ArchivedAt     time.Time `gorm:"not null;index"`
	ArchivedBy     string    `gorm:"not null"`
	Snapshot       JSON      `gorm:"type:jsonb"`
}

// TableName overrides the default table name.
func (HistoriqueRecord) TableName() string { return "historiques" }

func toRecord(h *models.Historique) (*HistoriqueRecord, error) {
	snapshot, err := json.Marshal(h.Snapshot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode snapshot")
	}
	r := &HistoriqueRecord{
		ID:             h.ID,
		DemandeID:      h.DemandeID,
		Reference:      h.Reference,
		TrackingNumber: h.TrackingNumber,
		Type:           string(h.Type),
		FinalStatus:    string(h.FinalStatus),
		ArchivedAt:     h.ArchivedAt,
		ArchivedBy:     h.ArchivedBy,
		Snapshot:       JSON(snapshot),
	}
	if h.Decision != nil {
		r.DecisionType = string(h.Decision.Type)
		r.DecidedBy = h.Decision.DecidedBy
	}
	return r, nil
}

func fromRecord(r *HistoriqueRecord) (*models.Historique, error) {
	h := &models.Historique{
		ID:             r.ID,
		DemandeID:      r.DemandeID,
		Reference:      r.Reference,
		TrackingNumber: r.TrackingNumber,
		Type:           models.DemandeType(r.Type),
		FinalStatus:    models.DemandeStatus(r.FinalStatus),
		ArchivedAt:     r.ArchivedAt,
		ArchivedBy:     r.ArchivedBy,
	}
	if len(r.Snapshot) > 0 {
		var snapshot models.Demande
		if err := json.Unmarshal(r.Snapshot, &snapshot); err != nil {
			return nil, errors.Wrap(err, "failed to decode snapshot")
		}
		h.Snapshot = &snapshot
		if snapshot.Decision != nil {
			d := *snapshot.Decision
			h.Decision = &d
		}
	}
	return h, nil
}

// Open connects to PostgreSQL and configures the connection pool.
func Open(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database instance")
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// Archiver stores Historique rows through GORM.
type Archiver struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// New creates an archiver on db.
func New(db *gorm.DB, logger *zap.Logger) *Archiver {
	return &Archiver{db: db, logger: logger.Named("archive"), now: time.Now}
}

// Migrate creates or updates the historiques table.
func (a *Archiver) Migrate(ctx context.Context) error {
	if err := a.db.WithContext(ctx).AutoMigrate(&HistoriqueRecord{}); err != nil {
		return errors.Wrap(err, "failed to migrate historiques")
	}
	return nil
}

// Archive inserts a snapshot of d and returns the new Historique id.
func (a *Archiver) Archive(ctx context.Context, d *models.Demande) (string, error) {
	h := models.NewHistorique(uuid.NewString(), d, a.now().UTC())
	record, err := toRecord(h)
	if err != nil {
		return "", err
	}
	if err := a.db.WithContext(ctx).Create(record).Error; err != nil {
		return "", errors.Wrapf(err, "failed to insert historique for demande %s", d.ID)
	}
	a.logger.Debug("Historique stored",
		zap.String("historique_id", h.ID),
		zap.String("demande_id", d.ID))
	return h.ID, nil
}

// Discard deletes a Historique whose request could not be marked archived.
func (a *Archiver) Discard(ctx context.Context, id string) error {
	if err := a.db.WithContext(ctx).Delete(&HistoriqueRecord{}, "id = ?", id).Error; err != nil {
		return errors.Wrapf(err, "failed to discard historique %s", id)
	}
	return nil
}

// Get loads one Historique.
func (a *Archiver) Get(ctx context.Context, id string) (*models.Historique, error) {
	var record HistoriqueRecord
	err := a.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NewNotFound("historique", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load historique")
	}
	return fromRecord(&record)
}

// Health pings the database.
func (a *Archiver) Health(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (a *Archiver) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
