package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/internal/history"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
)

type stubHistory struct {
	user        string
	filters     history.Filters
	invalidated []string
	res         history.Result
	err         error
}

func (s *stubHistory) GetUserHistory(_ context.Context, userID string, f history.Filters) (history.Result, error) {
	s.user, s.filters = userID, f
	return s.res, s.err
}

func (s *stubHistory) InvalidateUser(userID string) {
	s.invalidated = append(s.invalidated, userID)
}

func (s *stubHistory) Stats() history.Stats {
	return history.Stats{Queries: 4, Hits: 3, Misses: 1, HitRate: 0.75, Size: 1}
}

func TestHistoryFetchPassesFilters(t *testing.T) {
	cache := &stubHistory{res: history.Result{
		Records:   []backend.PurchaseRecord{{Code: "P1", Description: "Café molido"}},
		FromCache: true,
	}}
	req := newRequest(http.MethodGet, "/api/v1/history/u-1?code=p1&description=%20cafe%20", nil, map[string]string{"userId": "u-1"})

	resp := httptest.NewRecorder()
	HistoryFetch(cache, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if cache.user != "u-1" || cache.filters.Code != "p1" || cache.filters.Description != "cafe" {
		t.Fatalf("unexpected lookup user=%q filters=%+v", cache.user, cache.filters)
	}
	var res history.Result
	decodeData(t, resp, &res)
	if len(res.Records) != 1 || !res.FromCache {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHistoryFetchMapsErrors(t *testing.T) {
	cache := &stubHistory{err: pkgerrors.New(pkgerrors.CodeDependency, "backend unreachable")}
	resp := httptest.NewRecorder()
	HistoryFetch(cache, nil).ServeHTTP(resp, newRequest(http.MethodGet, "/api/v1/history/u-1", nil, map[string]string{"userId": "u-1"}))

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", resp.Code)
	}
}

func TestHistoryInvalidateAndStats(t *testing.T) {
	cache := &stubHistory{}

	resp := httptest.NewRecorder()
	HistoryInvalidate(cache, nil).ServeHTTP(resp, newRequest(http.MethodDelete, "/api/v1/history/u-3", nil, map[string]string{"userId": "u-3"}))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", resp.Code)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != "u-3" {
		t.Fatalf("unexpected invalidations %v", cache.invalidated)
	}

	resp = httptest.NewRecorder()
	HistoryStats(cache, nil).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/history/stats", nil))
	var stats history.Stats
	decodeData(t, resp, &stats)
	if stats.Hits != 3 || stats.HitRate != 0.75 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
