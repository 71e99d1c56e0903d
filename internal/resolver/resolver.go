// Package resolver implements the Folder/List Resolver: fuzzy client-name
// matching against a stable folder mapping, backed by a three-tier cache
// for the (folder, year-month) destination list.
package resolver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/xrash/smetrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nordja/convobridge/internal/config"
	"github.com/nordja/convobridge/internal/faults"
	"github.com/nordja/convobridge/internal/metrics"
	"github.com/nordja/convobridge/internal/models"
	"github.com/nordja/convobridge/internal/textnorm"
	"github.com/nordja/convobridge/pkg/taskservice"
)

// Tier2Store is the persistent cache, backed by Postgres in production
// (internal/repository).
type Tier2Store interface {
	GetListCacheEntry(ctx context.Context, folderID, yearMonth string) (models.ListCacheEntry, bool, error)
	PutListCacheEntry(ctx context.Context, entry models.ListCacheEntry) error
}

// RemoteLister is the Tier 3 collaborator: the task-management backend
// itself, queried only when both caches miss. It also provisions a list
// when no list for the current year-month exists yet.
type RemoteLister interface {
	FindListsByFolder(ctx context.Context, folderID string) ([]taskservice.ListRef, error)
	CreateList(ctx context.Context, folderID, name string) (taskservice.ListRef, error)
}

type tier1Entry struct {
	listID    string
	expiresAt time.Time
}

// Resolver resolves a sender's display name to a destination list id,
// through client-name matching and the three-tier list cache.
type Resolver struct {
	mappings       []models.FolderMapping
	fallbackListID string
	cfg            config.ResolverConfig

	tier1Mu sync.RWMutex
	tier1   map[string]tier1Entry

	tier2  Tier2Store
	remote RemoteLister

	sf      singleflight.Group
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New builds a Resolver. mappings is the administratively-synced
// folder-mapping table, loaded once at startup. The dispatch path never
// mutates it.
func New(mappings []models.FolderMapping, tier2 Tier2Store, remote RemoteLister, cfg config.ResolverConfig, logger *zap.Logger) *Resolver {
	normalized := make([]models.FolderMapping, len(mappings))
	for i, m := range mappings {
		m.ClientNameNormalized = textnorm.Fold(m.ClientNameNormalized)
		normalized[i] = m
	}

	cbSettings := gobreaker.Settings{
		Name:        "resolver-tier3",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= uint32(cfg.CircuitBreakerFailures) &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("resolver tier-3 circuit breaker state change",
					zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	}

	return &Resolver{
		mappings:       normalized,
		fallbackListID: cfg.FallbackListID,
		cfg:            cfg,
		tier1:          make(map[string]tier1Entry),
		tier2:          tier2,
		remote:         remote,
		breaker:        gobreaker.NewCircuitBreaker(cbSettings),
		logger:         logger,
	}
}

// Resolve maps senderName to a destination list id for the current
// year-month. now drives only the year-month computation (the exact/fuzzy
// match does not depend on it), kept an explicit parameter so callers can
// test deterministically.
func (r *Resolver) Resolve(ctx context.Context, senderName string, now time.Time) (string, error) {
	folderID, matched := r.matchFolder(senderName)
	if !matched {
		if r.logger != nil {
			r.logger.Info("no folder match; using fallback list", zap.String("sender_name", senderName))
		}
		return r.fallbackListID, nil
	}

	yearMonth := now.UTC().Format("2006-01")
	return r.resolveList(ctx, folderID, yearMonth)
}

// matchFolder runs the exact-then-fuzzy client-name match.
func (r *Resolver) matchFolder(senderName string) (string, bool) {
	normalized := textnorm.Fold(senderName)
	if normalized == "" {
		return "", false
	}

	for _, m := range r.mappings {
		if m.ClientNameNormalized == normalized {
			return m.FolderID, true
		}
	}

	type candidate struct {
		folderID string
		key      string
		score    float64
	}
	var best *candidate
	for _, m := range r.mappings {
		score := smetrics.JaroWinkler(normalized, m.ClientNameNormalized, 0.7, 4)
		if score < r.cfg.FuzzyMatchThreshold {
			continue
		}
		c := candidate{folderID: m.FolderID, key: m.ClientNameNormalized, score: score}
		if best == nil || c.score > best.score || (c.score == best.score && c.key < best.key) {
			best = &c
		}
	}
	if best == nil {
		return "", false
	}
	return best.folderID, true
}

// resolveList walks the three cache tiers in order, write-through Tier 2
// before Tier 1 on a confirmed Tier 3 hit.
func (r *Resolver) resolveList(ctx context.Context, folderID, yearMonth string) (string, error) {
	key := folderID + "|" + yearMonth

	r.tier1Mu.RLock()
	entry, ok := r.tier1[key]
	r.tier1Mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		metrics.ResolverTierHitTotal.WithLabelValues("tier1", "hit").Inc()
		return entry.listID, nil
	}
	metrics.ResolverTierHitTotal.WithLabelValues("tier1", "miss").Inc()

	dbEntry, found, err := r.tier2.GetListCacheEntry(ctx, folderID, yearMonth)
	if err != nil && r.logger != nil {
		r.logger.Warn("tier 2 lookup failed; continuing to tier 3", zap.Error(err))
	}
	horizon := time.Duration(r.cfg.Tier2HorizonSeconds) * time.Second
	if found && time.Since(dbEntry.LastVerified) < horizon {
		metrics.ResolverTierHitTotal.WithLabelValues("tier2", "hit").Inc()
		r.storeTier1(key, dbEntry.ListID)
		return dbEntry.ListID, nil
	}
	metrics.ResolverTierHitTotal.WithLabelValues("tier2", "miss").Inc()

	listID, err, _ := r.sf.Do(key, func() (interface{}, error) {
		return r.fetchFromRemote(ctx, folderID, yearMonth)
	})
	if err != nil {
		metrics.ResolverTierHitTotal.WithLabelValues("tier3", "error").Inc()
		return "", faults.Wrap(faults.Transient, errors.Wrap(err, "tier 3 resolution failed"))
	}
	metrics.ResolverTierHitTotal.WithLabelValues("tier3", "hit").Inc()
	return listID.(string), nil
}

func (r *Resolver) fetchFromRemote(ctx context.Context, folderID, yearMonth string) (string, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		tctx, cancel := context.WithTimeout(ctx, r.cfg.Tier3Timeout)
		defer cancel()
		return r.remote.FindListsByFolder(tctx, folderID)
	})
	if err != nil {
		return "", err
	}

	lists := result.([]taskservice.ListRef)
	sort.Slice(lists, func(i, j int) bool { return lists[i].Name < lists[j].Name })
	for _, l := range lists {
		if l.Name == yearMonth {
			return r.acceptRemoteList(ctx, folderID, yearMonth, l.ListID)
		}
	}

	created, err := r.breaker.Execute(func() (interface{}, error) {
		tctx, cancel := context.WithTimeout(ctx, r.cfg.Tier3Timeout)
		defer cancel()
		return r.remote.CreateList(tctx, folderID, yearMonth)
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to auto-provision list for folder %s month %s", folderID, yearMonth)
	}
	list := created.(taskservice.ListRef)
	if r.logger != nil {
		r.logger.Info("auto-provisioned destination list",
			zap.String("folder_id", folderID), zap.String("year_month", yearMonth), zap.String("list_id", list.ListID))
	}
	return r.acceptRemoteList(ctx, folderID, yearMonth, list.ListID)
}

// acceptRemoteList write-throughs a confirmed or newly-provisioned list id
// to Tier 2 then Tier 1 and returns it.
func (r *Resolver) acceptRemoteList(ctx context.Context, folderID, yearMonth, listID string) (string, error) {
	entry := models.ListCacheEntry{FolderID: folderID, YearMonth: yearMonth, ListID: listID, LastVerified: time.Now()}
	if err := r.tier2.PutListCacheEntry(ctx, entry); err != nil && r.logger != nil {
		r.logger.Warn("failed to write through tier 2", zap.Error(err))
	}
	r.storeTier1(folderID+"|"+yearMonth, listID)
	return listID, nil
}

func (r *Resolver) storeTier1(key, listID string) {
	r.tier1Mu.Lock()
	defer r.tier1Mu.Unlock()
	r.tier1[key] = tier1Entry{
		listID:    listID,
		expiresAt: time.Now().Add(time.Duration(r.cfg.Tier1TTLSeconds) * time.Second),
	}
}
