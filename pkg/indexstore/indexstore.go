package indexstore

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store provides persistence for the index of completed builds.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertBuild(ctx context.Context, build *Build) error
	GetBuild(ctx context.Context, buildID string) (*Build, error)
	ListBuilds(ctx context.Context, limit int) ([]Build, error)

	ReplaceTestOutcomes(
		ctx context.Context, buildID string, outcomes []*TestOutcome,
	) error
	ListTestOutcomes(ctx context.Context, buildID string) ([]TestOutcome, error)
	ListFailures(ctx context.Context, buildID string) ([]TestOutcome, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.IndexConfig
	db  *gorm.DB
}

// NewStore creates a new index Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.IndexConfig,
) Store {
	return &store{
		log: log.WithField("component", "indexstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}

	s.db = db

	// SQLite allows a single writer.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Build{},
		&TestOutcome{},
	); err != nil {
		return fmt.Errorf("running index migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Index database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertBuild inserts a build or overwrites the row with the same build id.
func (s *store) UpsertBuild(ctx context.Context, build *Build) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "build_id"}},
			DoUpdates: clause.AssignmentColumns(buildUpdateColumns),
		}).
		Create(build)
	if result.Error != nil {
		return fmt.Errorf("upserting build: %w", result.Error)
	}

	return nil
}

// buildUpdateColumns are overwritten when a build is indexed again.
var buildUpdateColumns = []string{
	"state", "started_at", "completed_at", "host",
	"tests_total", "tests_passed", "tests_failed", "tests_skipped", "tests_running",
	"runs", "events", "anomalies", "indexed_at",
}

// GetBuild returns one build, or nil when it is not indexed.
func (s *store) GetBuild(ctx context.Context, buildID string) (*Build, error) {
	var builds []Build
	if err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Limit(1).
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("getting build: %w", err)
	}

	if len(builds) == 0 {
		return nil, nil
	}

	return &builds[0], nil
}

// ListBuilds returns the most recently started builds first. A
// non-positive limit returns every build.
func (s *store) ListBuilds(ctx context.Context, limit int) ([]Build, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var builds []Build
	if err := q.Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}

	return builds, nil
}

// ReplaceTestOutcomes deletes the outcomes of a build and inserts the given
// ones in a single transaction.
func (s *store) ReplaceTestOutcomes(
	ctx context.Context, buildID string, outcomes []*TestOutcome,
) error {
	const batchSize = 100

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("build_id = ?", buildID).
			Delete(&TestOutcome{}).Error; err != nil {
			return fmt.Errorf("deleting test outcomes: %w", err)
		}

		if len(outcomes) == 0 {
			return nil
		}

		for _, o := range outcomes {
			o.BuildID = buildID
		}

		if err := tx.CreateInBatches(outcomes, batchSize).Error; err != nil {
			return fmt.Errorf("inserting test outcomes: %w", err)
		}

		return nil
	})
}

// ListTestOutcomes returns the outcomes of a build in event order.
func (s *store) ListTestOutcomes(
	ctx context.Context, buildID string,
) ([]TestOutcome, error) {
	var outcomes []TestOutcome
	if err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("seq ASC").
		Find(&outcomes).Error; err != nil {
		return nil, fmt.Errorf("listing test outcomes: %w", err)
	}

	return outcomes, nil
}

// ListFailures returns the failed tests of a build in event order.
func (s *store) ListFailures(
	ctx context.Context, buildID string,
) ([]TestOutcome, error) {
	var outcomes []TestOutcome
	if err := s.db.WithContext(ctx).
		Where("build_id = ? AND status = ?", buildID, "failed").
		Order("seq ASC").
		Find(&outcomes).Error; err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}

	return outcomes, nil
}
