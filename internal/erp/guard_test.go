package erp

import (
	"context"
	"errors"
	"sync"
	"testing"

	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
)

type memoryGuard struct {
	mu        sync.Mutex
	refs      map[string]string
	lookupErr error
}

func (m *memoryGuard) Lookup(_ context.Context, reference string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return "", false, m.lookupErr
	}
	v, ok := m.refs[reference]
	return v, ok, nil
}

func (m *memoryGuard) Record(_ context.Context, reference, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[reference]; !ok {
		m.refs[reference] = externalRef
	}
	return nil
}

type stubSubmitter struct {
	calls  int
	result Result
	err    error
}

func (s *stubSubmitter) SubmitOrder(context.Context, Payload) (Result, error) {
	s.calls++
	return s.result, s.err
}

func TestGuardedSubmitterSkipsKnownReference(t *testing.T) {
	next := &stubSubmitter{result: Result{Reference: "PED-1"}}
	guard := &memoryGuard{refs: map[string]string{}}
	g, err := NewGuardedSubmitter(next, guard, nil)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	first, err := g.SubmitOrder(context.Background(), Payload{Reference: "RQC/1-000001"})
	if err != nil || first.Reference != "PED-1" || first.Deduplicated {
		t.Fatalf("unexpected first result %+v err=%v", first, err)
	}
	second, err := g.SubmitOrder(context.Background(), Payload{Reference: "RQC/1-000001"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Deduplicated || second.Reference != "PED-1" {
		t.Fatalf("expected deduplicated result, got %+v", second)
	}
	if next.calls != 1 {
		t.Fatalf("expected one external call, got %d", next.calls)
	}
}

func TestGuardedSubmitterDoesNotRecordFailures(t *testing.T) {
	next := &stubSubmitter{err: pkgerrors.New(pkgerrors.CodeDependency, "erp down")}
	guard := &memoryGuard{refs: map[string]string{}}
	g, _ := NewGuardedSubmitter(next, guard, nil)

	if _, err := g.SubmitOrder(context.Background(), Payload{Reference: "RQC/2-000002"}); err == nil {
		t.Fatal("expected failure")
	}
	if len(guard.refs) != 0 {
		t.Fatalf("failure must not be recorded: %v", guard.refs)
	}
}

func TestGuardedSubmitterHoldsWhenLookupFails(t *testing.T) {
	next := &stubSubmitter{result: Result{Reference: "PED-3"}}
	guard := &memoryGuard{refs: map[string]string{}, lookupErr: errors.New("disk I/O error")}
	g, _ := NewGuardedSubmitter(next, guard, nil)

	_, err := g.SubmitOrder(context.Background(), Payload{Reference: "RQC/3-000003"})
	if err == nil {
		t.Fatal("expected an error when the guard cannot answer")
	}
	if IsValidation(err) || !pkgerrors.IsRetryable(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
	if next.calls != 0 {
		t.Fatalf("expected no external call, got %d", next.calls)
	}
}

func TestGuardedSubmitterRecordsAcceptanceWithoutOrderNumber(t *testing.T) {
	next := &stubSubmitter{result: Result{}}
	guard := &memoryGuard{refs: map[string]string{}}
	g, _ := NewGuardedSubmitter(next, guard, nil)
	ctx := context.Background()

	if _, err := g.SubmitOrder(ctx, Payload{Reference: "RQC/4-000004"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := g.SubmitOrder(ctx, Payload{Reference: "RQC/4-000004"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Deduplicated || second.Reference != "" {
		t.Fatalf("expected deduplicated result without order number, got %+v", second)
	}
	if next.calls != 1 {
		t.Fatalf("expected one external call, got %d", next.calls)
	}
}

func TestNewGuardedSubmitterRequiresDeps(t *testing.T) {
	if _, err := NewGuardedSubmitter(nil, &memoryGuard{}, nil); err == nil {
		t.Fatal("expected error for nil submitter")
	}
	if _, err := NewGuardedSubmitter(&stubSubmitter{}, nil, nil); err == nil {
		t.Fatal("expected error for nil guard")
	}
}
