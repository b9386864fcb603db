package erp

import (
	"context"
	"errors"
	"strings"

	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/idempotency"
	"github.com/scanshop/companion-sync/pkg/logger"
)

// acceptedWithoutReference is recorded for an accepted order whose response
// carried no order number.
const acceptedWithoutReference = "-"

// GuardedSubmitter refuses to send a reference twice. A reference that was
// already accepted returns the recorded order number without calling the
// external system.
type GuardedSubmitter struct {
	next  Submitter
	guard idempotency.Store
	logg  *logger.Logger
}

// NewGuardedSubmitter wraps next with the reference guard.
func NewGuardedSubmitter(next Submitter, guard idempotency.Store, logg *logger.Logger) (*GuardedSubmitter, error) {
	if next == nil {
		return nil, errors.New("submitter required")
	}
	if guard == nil {
		return nil, errors.New("idempotency store required")
	}
	return &GuardedSubmitter{next: next, guard: guard, logg: logg}, nil
}

// SubmitOrder implements Submitter. When the guard cannot answer, nothing
// is sent and a retryable storage error is returned.
func (g *GuardedSubmitter) SubmitOrder(ctx context.Context, payload Payload) (Result, error) {
	reference := strings.TrimSpace(payload.Reference)
	if reference != "" {
		external, found, err := g.guard.Lookup(ctx, reference)
		if err != nil {
			return Result{}, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "check accepted reference")
		}
		if found {
			if g.logg != nil {
				g.logg.Info(g.logg.WithField(ctx, "reference", reference), "order already accepted by erp")
			}
			if external == acceptedWithoutReference {
				external = ""
			}
			return Result{Reference: external, Deduplicated: true}, nil
		}
	}

	result, err := g.next.SubmitOrder(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	if reference != "" {
		external := result.Reference
		if external == "" {
			external = acceptedWithoutReference
		}
		if err := g.guard.Record(ctx, reference, external); err != nil {
			g.warn(ctx, reference, "record accepted reference", err)
		}
	}
	return result, nil
}

func (g *GuardedSubmitter) warn(ctx context.Context, reference, msg string, err error) {
	if g.logg == nil {
		return
	}
	g.logg.Warn(g.logg.WithFields(ctx, map[string]any{
		"reference": reference,
		"error":     err.Error(),
	}), msg)
}
