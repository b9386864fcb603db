package catalog

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/pkg/config"
	"github.com/scanshop/companion-sync/pkg/db/models"
	"github.com/scanshop/companion-sync/pkg/enums"
	"github.com/scanshop/companion-sync/pkg/logger"
	"github.com/scanshop/companion-sync/pkg/metrics"
)

const (
	defaultPageSize          = 1000
	defaultIncrementalCutoff = 1000
	defaultPageRetries       = 3
	defaultPageRetryBase     = 500 * time.Millisecond
)

// Result describes one catalog check.
type Result struct {
	Strategy        enums.SyncStrategy  `json:"strategy"`
	Fingerprint     backend.Fingerprint `json:"fingerprint"`
	Products        int                 `json:"products"`
	Aliases         int                 `json:"aliases"`
	Removed         int                 `json:"removed"`
	DroppedAliases  int                 `json:"dropped_aliases"`
	FallbackReason  string              `json:"fallback_reason,omitempty"`
	FingerprintKept bool                `json:"fingerprint_kept"`
	Duration        time.Duration       `json:"duration"`
}

// Status is the local view of the replica.
type Status struct {
	Fingerprint backend.Fingerprint `json:"fingerprint"`
	LastSyncAt  *time.Time          `json:"last_sync_at,omitempty"`
	Products    int64               `json:"products"`
	Aliases     int64               `json:"aliases"`
}

// Params wires a Service.
type Params struct {
	Backend backend.Backend
	Store   *store.Store
	Config  config.SyncConfig
	Logger  *logger.Logger
	Metrics *metrics.SyncMetrics
	Now     func() time.Time
}

// Service keeps the local catalog replica in step with the backend.
type Service struct {
	backend backend.Backend
	store   *store.Store
	cfg     config.SyncConfig
	logg    *logger.Logger
	metrics *metrics.SyncMetrics
	now     func() time.Time
	busy    atomic.Bool
}

func NewService(p Params) (*Service, error) {
	if p.Backend == nil {
		return nil, errors.New("backend required")
	}
	if p.Store == nil {
		return nil, errors.New("local store required")
	}
	cfg := p.Config
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.IncrementalCutoff <= 0 {
		cfg.IncrementalCutoff = defaultIncrementalCutoff
	}
	if cfg.PageRetries <= 0 {
		cfg.PageRetries = defaultPageRetries
	}
	if cfg.PageRetryBase <= 0 {
		cfg.PageRetryBase = defaultPageRetryBase
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		backend: p.Backend,
		store:   p.Store,
		cfg:     cfg,
		logg:    p.Logger,
		metrics: p.Metrics,
		now:     now,
	}, nil
}

// CheckAndSync compares fingerprints and runs the cheapest sync that brings
// the replica up to date. Overlapping calls return Skipped.
func (s *Service) CheckAndSync(ctx context.Context) (Result, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Result{Strategy: enums.SyncStrategySkipped}, nil
	}
	defer s.busy.Store(false)

	started := time.Now()
	res, err := s.checkAndSync(ctx)
	res.Duration = time.Since(started)
	if err != nil {
		if s.logg != nil {
			s.logg.Error(ctx, "catalog sync failed", err)
		}
		return res, err
	}
	s.metrics.IncCatalogSync(res.Strategy.String())
	if s.logg != nil && res.Strategy.Transferred() {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"strategy":    res.Strategy.String(),
			"hash":        res.Fingerprint.Hash,
			"products":    res.Products,
			"aliases":     res.Aliases,
			"removed":     res.Removed,
			"duration_ms": res.Duration.Milliseconds(),
		}), "catalog synchronized")
	}
	return res, nil
}

func (s *Service) checkAndSync(ctx context.Context) (Result, error) {
	local, err := s.LocalFingerprint(ctx)
	if err != nil {
		return Result{}, err
	}

	remote, found, err := s.backend.LatestFingerprint(ctx)
	known := err == nil && found && !remote.IsZero()
	if !known {
		reason := "remote catalog has no version"
		if err != nil {
			reason = "remote fingerprint unavailable: " + err.Error()
		}
		s.warn(ctx, reason)
		res, err := s.fullSync(ctx, backend.Fingerprint{}, false)
		res.FallbackReason = reason
		return res, err
	}

	if remote.Equal(local) {
		return Result{Strategy: enums.SyncStrategyUpToDate, Fingerprint: remote, FingerprintKept: true}, nil
	}

	if !local.IsZero() {
		res, reason, err := s.incrementalSync(ctx, local, remote)
		if err == nil && reason == "" {
			return res, nil
		}
		if err != nil {
			reason = "incremental sync failed: " + err.Error()
		}
		s.warn(ctx, reason)
		res, err = s.fullSync(ctx, remote, true)
		res.FallbackReason = reason
		return res, err
	}

	return s.fullSync(ctx, remote, true)
}

// ForceResync forgets the local fingerprint so the next check runs a full
// sync.
func (s *Service) ForceResync(ctx context.Context) error {
	return s.store.Do(ctx, func(tx *store.Tx) error {
		if err := store.DeleteSettingTx(tx, store.SettingFingerprintHash); err != nil {
			return err
		}
		return store.DeleteSettingTx(tx, store.SettingFingerprintID)
	})
}

// LocalFingerprint returns the fingerprint of the data on the device, zero
// when the replica was never synchronized.
func (s *Service) LocalFingerprint(ctx context.Context) (backend.Fingerprint, error) {
	var fp backend.Fingerprint
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		fp, err = fingerprintTx(tx)
		return err
	})
	return fp, err
}

// Status reports the local fingerprint, last sync time and row counts.
func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		fp, err := fingerprintTx(tx)
		if err != nil {
			return err
		}
		st.Fingerprint = fp
		if raw, ok, err := store.GetSettingTx(tx, store.SettingLastSyncAt); err != nil {
			return err
		} else if ok {
			if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				st.LastSyncAt = &at
			}
		}
		if st.Products, err = store.Count[models.Product](tx); err != nil {
			return err
		}
		st.Aliases, err = store.Count[models.ProductAlias](tx)
		return err
	})
	return st, err
}

func fingerprintTx(tx *store.Tx) (backend.Fingerprint, error) {
	hash, ok, err := store.GetSettingTx(tx, store.SettingFingerprintHash)
	if err != nil || !ok {
		return backend.Fingerprint{}, err
	}
	fp := backend.Fingerprint{Hash: hash}
	if raw, ok, err := store.GetSettingTx(tx, store.SettingFingerprintID); err != nil {
		return backend.Fingerprint{}, err
	} else if ok {
		fp.VersionID, _ = strconv.ParseInt(raw, 10, 64)
	}
	return fp, nil
}

func (s *Service) persistFingerprintTx(tx *store.Tx, fp backend.Fingerprint) error {
	if err := store.PutSettingTx(tx, store.SettingFingerprintHash, fp.Hash); err != nil {
		return err
	}
	if err := store.PutSettingTx(tx, store.SettingFingerprintID, strconv.FormatInt(fp.VersionID, 10)); err != nil {
		return err
	}
	return store.PutSettingTx(tx, store.SettingLastSyncAt, s.now().UTC().Format(time.RFC3339Nano))
}

func (s *Service) warn(ctx context.Context, msg string) {
	if s.logg == nil {
		return
	}
	s.logg.Warn(ctx, msg)
}
