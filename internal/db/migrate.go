package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/suPer8Hu/healthsphere/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schemaMigration struct {
	Version   int    `gorm:"primaryKey;autoIncrement:false"`
	Name      string `gorm:"type:varchar(128);not null"`
	AppliedAt time.Time
}

func (schemaMigration) TableName() string { return "schema_migrations" }

type migrationStep struct {
	version int
	name    string
	up      func(tx *gorm.DB) error
}

// Steps are append-only; never renumber a released version.
var migrationSteps = []migrationStep{
	{1, "create_users", func(tx *gorm.DB) error { return tx.AutoMigrate(&models.User{}) }},
	{2, "create_chatbot_conversations", func(tx *gorm.DB) error { return tx.AutoMigrate(&models.Conversation{}) }},
	{3, "create_ingest_jobs", func(tx *gorm.DB) error { return tx.AutoMigrate(&models.IngestJob{}) }},
}

// LatestVersion is the schema version this build expects.
func LatestVersion() int {
	return migrationSteps[len(migrationSteps)-1].version
}

// Migrate applies every pending step in order and records it in
// schema_migrations. It runs once at process start.
func Migrate(ctx context.Context, gdb *gorm.DB, log *zap.Logger) error {
	if err := gdb.WithContext(ctx).AutoMigrate(&schemaMigration{}); err != nil {
		return fmt.Errorf("migrate schema_migrations: %w", err)
	}

	current, err := CurrentVersion(ctx, gdb)
	if err != nil {
		return err
	}

	for _, s := range migrationSteps {
		if s.version <= current {
			continue
		}
		start := time.Now()
		err := gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.up(tx); err != nil {
				return err
			}
			return tx.Create(&schemaMigration{Version: s.version, Name: s.name, AppliedAt: time.Now()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", s.version, s.name, err)
		}
		log.Info("migration applied",
			zap.Int("version", s.version),
			zap.String("name", s.name),
			zap.Duration("cost", time.Since(start)),
		)
	}
	return nil
}

// CurrentVersion returns the highest applied version, or 0 on a fresh database.
func CurrentVersion(ctx context.Context, gdb *gorm.DB) (int, error) {
	if !gdb.WithContext(ctx).Migrator().HasTable(&schemaMigration{}) {
		return 0, nil
	}
	var v sql.NullInt64
	if err := gdb.WithContext(ctx).Model(&schemaMigration{}).Select("MAX(version)").Row().Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}
