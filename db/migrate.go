package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/utils"
	"gorm.io/gorm"
)

type Migration struct {
	Version string
	Name    string
	Up      func(*gorm.DB) error
	Down    func(*gorm.DB) error
}

// Migrator applies versioned migrations once each and records them in
// schema_migrations. The SQL it runs is valid on postgres and sqlite.
type Migrator struct {
	db         *gorm.DB
	migrations []Migration
}

func CreateMigrator(db *gorm.DB) *Migrator {
	return &Migrator{
		db:         db,
		migrations: make([]Migration, 0),
	}
}

// CreatePipelineMigrator returns a migrator loaded with the pipeline schema.
func CreatePipelineMigrator(db *gorm.DB) *Migrator {
	m := CreateMigrator(db)
	for _, migration := range PipelineMigrations() {
		m.AddMigration(migration.Version, migration.Name, migration.Up, migration.Down)
	}
	return m
}

func PipelineMigrations() []Migration {
	return []Migration{
		{
			Version: "0001",
			Name:    "create_pipeline_tables",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(models.All()...)
			},
			Down: func(tx *gorm.DB) error {
				all := models.All()
				for i := len(all) - 1; i >= 0; i-- {
					if err := tx.Migrator().DropTable(all[i]); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version: "0002",
			Name:    "event_trace_index",
			Up: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_system_events_trace ON system_events (correlation_id, timestamp)`).Error
			},
			Down: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_system_events_trace`).Error
			},
		},
		{
			Version: "0003",
			Name:    "unique_provider_session",
			Up: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_provider_session
					ON orders (provider_name, provider_session_id)
					WHERE provider_session_id <> ''`).Error
			},
			Down: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_orders_provider_session`).Error
			},
		},
		{
			Version: "0004",
			Name:    "dead_letter_status_created",
			Up: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_dead_letters_status_created ON dead_letters (status, created_at)`).Error
			},
			Down: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_dead_letters_status_created`).Error
			},
		},
		{
			Version: "0005",
			Name:    "dead_letter_causation",
			Up: func(tx *gorm.DB) error {
				if tx.Migrator().HasColumn(&models.DeadLetter{}, "CausationID") {
					return nil
				}
				return tx.Migrator().AddColumn(&models.DeadLetter{}, "CausationID")
			},
			Down: func(tx *gorm.DB) error {
				return tx.Migrator().DropColumn(&models.DeadLetter{}, "CausationID")
			},
		},
	}
}

func (m *Migrator) AddMigration(version, name string, up, down func(*gorm.DB) error) {
	m.migrations = append(m.migrations, Migration{
		Version: version,
		Name:    name,
		Up:      up,
		Down:    down,
	})
	sort.SliceStable(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

// Up applies every pending migration in version order. Each migration and
// its ledger row commit together.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.createMigrationsTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range m.migrations {
		if applied[migration.Version] {
			continue
		}

		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := migration.Up(tx); err != nil {
				return err
			}
			return recordMigration(tx, migration.Version, migration.Name)
		})
		if err != nil {
			return count, fmt.Errorf("failed to apply migration %s_%s: %w", migration.Version, migration.Name, err)
		}

		utils.Info(ctx, "migration applied", map[string]interface{}{
			"version": migration.Version,
			"name":    migration.Name,
		})
		count++
	}

	return count, nil
}

// Down rolls back every applied migration newer than version.
func (m *Migrator) Down(ctx context.Context, version string) error {
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= version {
			break
		}

		if !applied[migration.Version] {
			continue
		}

		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := migration.Down(tx); err != nil {
				return err
			}
			return tx.Exec("DELETE FROM schema_migrations WHERE version = ?", migration.Version).Error
		})
		if err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
		}

		utils.Warn(ctx, "migration rolled back", map[string]interface{}{
			"version": migration.Version,
			"name":    migration.Name,
		})
	}

	return nil
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	return m.db.WithContext(ctx).Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`).Error
}

func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	var results []struct {
		Version string
	}

	if err := m.db.WithContext(ctx).Table("schema_migrations").Select("version").Find(&results).Error; err != nil {
		return nil, err
	}

	applied := make(map[string]bool)
	for _, result := range results {
		applied[result.Version] = true
	}

	return applied, nil
}

func recordMigration(tx *gorm.DB, version, name string) error {
	return tx.Exec(`
		INSERT INTO schema_migrations (version, name)
		VALUES (?, ?)
		ON CONFLICT (version) DO NOTHING
	`, version, name).Error
}

func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.createMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	var statuses []MigrationStatus
	for _, migration := range m.migrations {
		statuses = append(statuses, MigrationStatus{
			Version: migration.Version,
			Name:    migration.Name,
			Applied: applied[migration.Version],
		})
	}

	return statuses, nil
}

type MigrationStatus struct {
	Version string
	Name    string
	Applied bool
}
