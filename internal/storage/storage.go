// Package storage wraps gorm over the internal/models entities, matching
// the teacher's dual-driver dispatch in internal/database/database.go's
// New() and its per-entity Save*/Get* method shape.
package storage

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polybot/internal/models"
)

// Store is the gateway's persistence layer over gorm.
type Store struct {
	DB *gorm.DB
}

// New opens a Postgres connection when dbURL has a postgres(ql):// scheme,
// and falls back to sqlite otherwise (teacher convention), then
// auto-migrates every model in models.All().
func New(dbURL string) (*Store, error) {
	var db *gorm.DB
	var err error

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbURL), gcfg)
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		log.Info().Msg("database connected (postgres)")
	} else {
		db, err = gorm.Open(sqlite.Open(dbURL), gcfg)
		if err != nil {
			return nil, fmt.Errorf("storage: open sqlite: %w", err)
		}
		log.Info().Str("path", dbURL).Msg("database connected (sqlite)")
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("storage: automigrate: %w", err)
	}

	s := &Store{DB: db}
	s.ensurePartialUniqueIndex(dbURL)
	return s, nil
}

// Ping reports whether the underlying connection is alive, the
// `/health/ready` readiness probe's one question.
func (s *Store) Ping() error {
	db, err := s.DB.DB()
	if err != nil {
		return err
	}
	return db.Ping()
}

// ensurePartialUniqueIndex issues the §6-mandated partial unique index on
// Postgres (exchange_order_id unique excluding PENDING-* markers). SQLite
// lacks reliable partial-index support under gorm's sqlite driver in the
// same form, so on SQLite we rely on convention only: the PENDING-<uuid>
// marker is itself globally unique via uuid, as spec §6 allows.
func (s *Store) ensurePartialUniqueIndex(dbURL string) {
	if !strings.HasPrefix(dbURL, "postgres://") && !strings.HasPrefix(dbURL, "postgresql://") {
		return
	}
	ddl := `CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_exchange_order_id_live
		ON orders (exchange_order_id) WHERE exchange_order_id NOT LIKE 'PENDING-%'`
	if err := s.DB.Exec(ddl).Error; err != nil {
		log.Warn().Err(err).Msg("storage: failed to create partial unique index")
	}
}
