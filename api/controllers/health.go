package controllers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/scanshop/companion-sync/api/responses"
	"github.com/scanshop/companion-sync/pkg/config"
	"github.com/scanshop/companion-sync/pkg/db"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

const (
	envHeader        = "X-Companion-Env"
	readinessTimeout = 2 * time.Second
)

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthReady fails only when the local store is unusable. Remote
// dependencies being down is the normal offline state, reported as degraded.
func HealthReady(cfg *config.Config, logg *logger.Logger, local db.Pinger, remotes map[string]db.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if local == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeStorage, "local store not configured"))
			return
		}
		if err := local.Ping(ctx); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "local store unavailable"))
			return
		}

		out := readiness{Status: "ready", Checks: map[string]string{"local_store": "ok"}}
		names := make([]string, 0, len(remotes))
		for name := range remotes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			pinger := remotes[name]
			if pinger == nil {
				continue
			}
			if err := pinger.Ping(ctx); err != nil {
				out.Status = "degraded"
				out.Checks[name] = "unreachable"
				if logg != nil {
					logg.Warn(logg.WithFields(ctx, map[string]any{"dependency": name, "error": err.Error()}), "health.dependency_unreachable")
				}
				continue
			}
			out.Checks[name] = "ok"
		}
		responses.WriteSuccess(w, out)
	}
}
