package db

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errDBUnavailable = errors.New("db unavailable")

type Store struct {
	DB       *gorm.DB
	Trails   *TrailRepository
	OTP      *OTPRepository
	Evidence *EvidenceRepository
}

func NewStore(dsn string, log *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("POSTGRES_DSN is required for the postgres backend")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if log != nil {
		log.Info("connected to postgres")
	}
	return newStore(gdb), nil
}

func newStore(gdb *gorm.DB) *Store {
	return &Store{
		DB:       gdb,
		Trails:   NewTrailRepository(gdb),
		OTP:      NewOTPRepository(gdb),
		Evidence: NewEvidenceRepository(gdb),
	}
}

// Migrate creates or updates the tables owned by this service.
func (s *Store) Migrate(ctx context.Context) error {
	if s.DB == nil {
		return errDBUnavailable
	}
	return s.DB.WithContext(ctx).AutoMigrate(
		&AuditTrailModel{},
		&AuditRecordModel{},
		&OTPStateModel{},
		&EvidenceModel{},
	)
}

func (s *Store) Ping(ctx context.Context) error {
	if s.DB == nil {
		return errDBUnavailable
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
