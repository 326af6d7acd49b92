package db

import (
	"context"
	"fmt"
	"time"

	"github.com/malwarebo/reelpipe/config"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
)

type DB struct {
	*gorm.DB
}

func (db *DB) GetDB() *gorm.DB {
	return db.DB
}

func gormLogLevel(level string) logger.LogLevel {
	switch utils.ParseLevel(level) {
	case utils.LevelDebug:
		return logger.Info
	case utils.LevelInfo, utils.LevelWarn:
		return logger.Warn
	default:
		return logger.Error
	}
}

// CreateDB opens the primary postgres connection. Replicas, when
// configured, only serve reads of the event log; order and token reads stay
// on the primary so compare-and-swap updates never race a lagging replica.
func CreateDB(cfg config.DatabaseConfig, dsn, logLevel string) (*DB, error) {
	gormConfig := &gorm.Config{
		Logger:  logger.Default.LogMode(gormLogLevel(logLevel)),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary database: %w", err)
	}

	if len(cfg.ReplicaDSNs) > 0 {
		resolverConfig := dbresolver.Config{Policy: dbresolver.RandomPolicy{}}
		for _, replicaDSN := range cfg.ReplicaDSNs {
			resolverConfig.Replicas = append(resolverConfig.Replicas, postgres.Open(replicaDSN))
		}

		err = db.Use(dbresolver.Register(resolverConfig, &models.SystemEvent{}).
			SetConnMaxIdleTime(cfg.MaxIdleTime).
			SetConnMaxLifetime(cfg.MaxLifetime).
			SetMaxIdleConns(cfg.MaxIdleConns).
			SetMaxOpenConns(cfg.MaxOpenConns))
		if err != nil {
			return nil, fmt.Errorf("failed to configure read replicas: %w", err)
		}

		utils.Info(context.Background(), "configured read replicas", map[string]interface{}{
			"replicas": len(cfg.ReplicaDSNs),
		})
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.MaxIdleTime)

	utils.Info(context.Background(), "connected to database", map[string]interface{}{
		"host":     cfg.Host,
		"database": cfg.DBName,
		"max_open": cfg.MaxOpenConns,
		"max_idle": cfg.MaxIdleConns,
		"replicas": len(cfg.ReplicaDSNs),
	})
	return &DB{db}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
