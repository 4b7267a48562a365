package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	domproj "github.com/inklight/inklight-backend/internal/domain/project"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/platform/envutil"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	host := envutil.GetEnv("POSTGRES_HOST", "localhost", log)
	port := envutil.GetEnv("POSTGRES_PORT", "5432", log)
	user := envutil.GetEnv("POSTGRES_USER", "postgres", log)
	password := envutil.GetEnv("POSTGRES_PASSWORD", "", log)
	name := envutil.GetEnv("POSTGRES_NAME", "inklight", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	serviceLog.Info("connecting to postgres", "host", host, "db", name)
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("auto migrating tables")
	err := s.db.AutoMigrate(
		&domproj.Project{},
		&domproj.NoteImage{},
		&domproj.Note{},
		&domproj.NoteCluster{},
		&domproj.ProjectSummary{},
		&domproj.ExportArtifact{},
		&domwf.Workflow{},
		&domwf.Checkpoint{},
		&domwf.Alert{},
		&domjobs.Job{},
	)
	if err != nil {
		s.log.Error("auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
