// Package repository provides the Postgres-backed persistence layer for
// the Folder/List Resolver's Tier 2 cache and the stable folder mapping
// table.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nordja/convobridge/internal/config"
	"github.com/nordja/convobridge/internal/models"
)

var (
	repoOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_repository_operations_total",
			Help: "Total number of resolver repository operations",
		},
		[]string{"operation", "status"},
	)

	repoOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolver_repository_operation_duration_seconds",
			Help:    "Duration of resolver repository operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

const defaultQueryTimeout = 10 * time.Second

const (
	upsertListCacheSQL = `
		INSERT INTO list_cache_entries (folder_id, year_month, list_id, last_verified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (folder_id, year_month)
		DO UPDATE SET list_id = EXCLUDED.list_id, last_verified = EXCLUDED.last_verified`

	getListCacheSQL = `
		SELECT list_id, last_verified
		FROM list_cache_entries
		WHERE folder_id = $1 AND year_month = $2`

	listFolderMappingsSQL = `
		SELECT client_name_normalized, attendant_key, folder_id
		FROM folder_mappings
		ORDER BY client_name_normalized`
)

// ResolverRepository is the Postgres-backed Tier2Store implementation
// (internal/resolver.Tier2Store) plus the folder-mapping loader consulted
// once at startup.
type ResolverRepository struct {
	db *sql.DB
}

// NewResolverRepository wraps an established connection pool, applying the
// pool sizing from cfg.
func NewResolverRepository(db *sql.DB, cfg config.DatabaseConfig) (*ResolverRepository, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &ResolverRepository{db: db}, nil
}

// GetListCacheEntry implements internal/resolver.Tier2Store.
func (r *ResolverRepository) GetListCacheEntry(ctx context.Context, folderID, yearMonth string) (models.ListCacheEntry, bool, error) {
	timer := prometheus.NewTimer(repoOpDuration.WithLabelValues("get_list_cache"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var entry models.ListCacheEntry
	entry.FolderID = folderID
	entry.YearMonth = yearMonth

	err := r.db.QueryRowContext(ctx, getListCacheSQL, folderID, yearMonth).Scan(&entry.ListID, &entry.LastVerified)
	if err == sql.ErrNoRows {
		repoOps.WithLabelValues("get_list_cache", "miss").Inc()
		return models.ListCacheEntry{}, false, nil
	}
	if err != nil {
		repoOps.WithLabelValues("get_list_cache", "error").Inc()
		return models.ListCacheEntry{}, false, errors.Wrap(err, "failed to query list cache entry")
	}

	repoOps.WithLabelValues("get_list_cache", "hit").Inc()
	return entry, true, nil
}

// PutListCacheEntry implements internal/resolver.Tier2Store.
func (r *ResolverRepository) PutListCacheEntry(ctx context.Context, entry models.ListCacheEntry) error {
	timer := prometheus.NewTimer(repoOpDuration.WithLabelValues("put_list_cache"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, upsertListCacheSQL, entry.FolderID, entry.YearMonth, entry.ListID, entry.LastVerified)
	if err != nil {
		repoOps.WithLabelValues("put_list_cache", "error").Inc()
		return errors.Wrap(err, "failed to upsert list cache entry")
	}

	repoOps.WithLabelValues("put_list_cache", "success").Inc()
	return nil
}

// LoadFolderMappings reads the full, administratively-synced folder
// mapping table once at startup. The dispatch path never mutates it.
func (r *ResolverRepository) LoadFolderMappings(ctx context.Context) ([]models.FolderMapping, error) {
	timer := prometheus.NewTimer(repoOpDuration.WithLabelValues("load_folder_mappings"))
	defer timer.ObserveDuration()

	rows, err := r.db.QueryContext(ctx, listFolderMappingsSQL)
	if err != nil {
		repoOps.WithLabelValues("load_folder_mappings", "error").Inc()
		return nil, errors.Wrap(err, "failed to query folder mappings")
	}
	defer rows.Close()

	var mappings []models.FolderMapping
	for rows.Next() {
		var m models.FolderMapping
		if err := rows.Scan(&m.ClientNameNormalized, &m.AttendantKey, &m.FolderID); err != nil {
			repoOps.WithLabelValues("load_folder_mappings", "error").Inc()
			return nil, errors.Wrap(err, "failed to scan folder mapping row")
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		repoOps.WithLabelValues("load_folder_mappings", "error").Inc()
		return nil, errors.Wrap(err, "error iterating folder mapping rows")
	}

	repoOps.WithLabelValues("load_folder_mappings", "success").Inc()
	return mappings, nil
}
