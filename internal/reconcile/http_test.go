package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"driverlink/internal/contracts"
	"driverlink/internal/domain/ride"
	"driverlink/internal/logger"
	"driverlink/internal/session"
)

func testFetcher(t *testing.T, srv *httptest.Server) *HTTPFetcher {
	t.Helper()
	sess, err := session.New("driver-042", "Nurlan S.", "test-token")
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	f, err := NewHTTPFetcher(srv.URL, sess, logger.New("reconcile-test"))
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}
	return f
}

func TestCurrentRideActive(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		id := "r7"
		_ = json.NewEncoder(w).Encode(contracts.CurrentRideStatus{RideID: &id, Status: "in_progress", Version: 4})
	}))
	defer srv.Close()

	status, err := testFetcher(t, srv).CurrentRide(context.Background(), "driver-042")
	if err != nil {
		t.Fatalf("CurrentRide: %v", err)
	}

	if gotPath != "/v1/drivers/driver-042/current-ride" {
		t.Fatalf("path: %s", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("auth header: %s", gotAuth)
	}
	if status.None() || *status.RideID != "r7" || status.Status != ride.StatusInProgress || status.Version != 4 {
		t.Fatalf("status: %+v", status)
	}
}

func TestCurrentRideNone(t *testing.T) {
	for _, code := range []int{http.StatusNoContent, http.StatusNotFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))

		status, err := testFetcher(t, srv).CurrentRide(context.Background(), "driver-042")
		srv.Close()
		if err != nil {
			t.Fatalf("status %d: %v", code, err)
		}
		if !status.None() {
			t.Fatalf("status %d: expected no ride, got %+v", code, status)
		}
	}
}

func TestCurrentRideNullRideID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ride_id":null}`))
	}))
	defer srv.Close()

	status, err := testFetcher(t, srv).CurrentRide(context.Background(), "driver-042")
	if err != nil {
		t.Fatalf("CurrentRide: %v", err)
	}
	if !status.None() {
		t.Fatalf("expected no ride, got %+v", status)
	}
}

func TestCurrentRideServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := testFetcher(t, srv).CurrentRide(context.Background(), "driver-042"); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestCurrentRideBadStatusValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		id := "r7"
		_ = json.NewEncoder(w).Encode(contracts.CurrentRideStatus{RideID: &id, Status: "WARPING", Version: 1})
	}))
	defer srv.Close()

	if _, err := testFetcher(t, srv).CurrentRide(context.Background(), "driver-042"); err == nil {
		t.Fatal("expected error on unknown status")
	}
}

func TestNewHTTPFetcherRejectsEmptyURL(t *testing.T) {
	sess, _ := session.New("driver-042", "Nurlan S.", "t")
	if _, err := NewHTTPFetcher("   ", sess, logger.New("reconcile-test")); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
