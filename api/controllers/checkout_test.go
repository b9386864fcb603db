package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scanshop/companion-sync/api/middleware"
	"github.com/scanshop/companion-sync/internal/checkout"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
)

type stubCheckout struct {
	got checkout.Request
	out checkout.Outcome
	err error
}

func (s *stubCheckout) Submit(_ context.Context, req checkout.Request) (checkout.Outcome, error) {
	s.got = req
	return s.out, s.err
}

func TestCheckoutSubmitStatusCodes(t *testing.T) {
	cases := []struct {
		status checkout.OutcomeStatus
		want   int
	}{
		{checkout.OutcomeDelivered, http.StatusCreated},
		{checkout.OutcomePendingDelivery, http.StatusAccepted},
		{checkout.OutcomeQueuedOffline, http.StatusAccepted},
		{checkout.OutcomeFailed, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		svc := &stubCheckout{out: checkout.Outcome{Status: tc.status, OrderID: "7"}}
		body := `{"user_id":"u-1","warehouse":"sm1","lines":[{"code":"P1","quantity":2,"unit_price":"1.5"}]}`
		resp := httptest.NewRecorder()
		CheckoutSubmit(svc, nil).ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(body)))
		if resp.Code != tc.want {
			t.Fatalf("%s: expected %d got %d", tc.status, tc.want, resp.Code)
		}
		var out checkout.Outcome
		decodeData(t, resp, &out)
		if out.Status != tc.status {
			t.Fatalf("expected outcome %s, got %s", tc.status, out.Status)
		}
	}
}

func TestCheckoutSubmitUsesHeaderUserAndSavedCart(t *testing.T) {
	svc := &stubCheckout{out: checkout.Outcome{Status: checkout.OutcomeQueuedOffline, OfflineID: "offline_x"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"warehouse":" SM1 "}`))
	req = req.WithContext(middleware.WithUserID(req.Context(), "u-9"))

	resp := httptest.NewRecorder()
	CheckoutSubmit(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", resp.Code)
	}
	if svc.got.UserID != "u-9" || svc.got.Warehouse != "SM1" || len(svc.got.Lines) != 0 {
		t.Fatalf("unexpected request forwarded %+v", svc.got)
	}
}

func TestCheckoutSubmitRequiresUser(t *testing.T) {
	svc := &stubCheckout{}
	resp := httptest.NewRecorder()
	CheckoutSubmit(svc, nil).ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"warehouse":"SM1"}`)))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if svc.got.Warehouse != "" {
		t.Fatalf("service should not be called")
	}
}

func TestCheckoutSubmitRejectsBadLines(t *testing.T) {
	svc := &stubCheckout{}
	body := `{"user_id":"u-1","warehouse":"SM1","lines":[{"code":"","quantity":0}]}`
	resp := httptest.NewRecorder()
	CheckoutSubmit(svc, nil).ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(body)))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if code := decodeErrorCode(t, resp); code != string(pkgerrors.CodeValidation) {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestCheckoutSubmitSurfacesServiceErrors(t *testing.T) {
	svc := &stubCheckout{err: pkgerrors.New(pkgerrors.CodeStorage, "offline queue write failed")}
	resp := httptest.NewRecorder()
	CheckoutSubmit(svc, nil).ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"user_id":"u-1","warehouse":"SM1"}`)))

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", resp.Code)
	}
}
