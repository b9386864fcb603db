package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scanshop/companion-sync/api/responses"
	"github.com/scanshop/companion-sync/pkg/enums"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

// TriggerNotifier wakes the sync coordinator.
type TriggerNotifier interface {
	Notify(trigger enums.Trigger) bool
}

type triggerResponse struct {
	Trigger enums.Trigger `json:"trigger"`
	Queued  bool          `json:"queued"`
}

// TriggerSync forwards a platform signal from the shell. Startup, timer and
// periodic wakes are owned by the coordinator and cannot be sent here.
func TriggerSync(notifier TriggerNotifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notifier == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coordinator unavailable"))
			return
		}
		trigger, err := enums.ParseTrigger(chi.URLParam(r, "trigger"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown trigger"))
			return
		}
		switch trigger {
		case enums.TriggerStartup, enums.TriggerTimer, enums.TriggerPeriodic:
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "trigger is internal"))
			return
		}

		queued := notifier.Notify(trigger)
		responses.WriteSuccessStatus(w, http.StatusAccepted, triggerResponse{Trigger: trigger, Queued: queued})
	}
}
