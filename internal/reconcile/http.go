package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driverlink/internal/contracts"
	"driverlink/internal/domain/ride"
	"driverlink/internal/logger"
	"driverlink/internal/session"
)

// HTTPFetcher fetches current-ride status from the backend's REST surface.
type HTTPFetcher struct {
	baseURL string
	sess    session.Session
	client  *http.Client
	logger  *logger.Logger
}

// NewHTTPFetcher constructs a fetcher for the backend base URL.
func NewHTTPFetcher(baseURL string, sess session.Session, log *logger.Logger) (*HTTPFetcher, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("reconcile: invalid backend base url %q", baseURL)
	}

	return &HTTPFetcher{
		baseURL: baseURL,
		sess:    sess,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log,
	}, nil
}

// CurrentRide issues GET /v1/drivers/{id}/current-ride and decodes the
// { ride_id|null, status, version } response.
func (f *HTTPFetcher) CurrentRide(ctx context.Context, driverID string) (Status, error) {
	endpoint := fmt.Sprintf("%s/v1/drivers/%s/current-ride", f.baseURL, url.PathEscape(driverID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, err
	}
	if f.sess.Authenticated() {
		req.Header.Set("Authorization", "Bearer "+f.sess.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("reconcile: fetch current ride: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusNoContent, http.StatusNotFound:
		return Status{}, nil
	default:
		return Status{}, fmt.Errorf("reconcile: backend returned %s", resp.Status)
	}

	var body contracts.CurrentRideStatus
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Status{}, fmt.Errorf("reconcile: decode response: %w", err)
	}

	if body.RideID == nil || strings.TrimSpace(*body.RideID) == "" {
		return Status{}, nil
	}

	status, err := ride.ParseStatus(body.Status)
	if err != nil {
		return Status{}, fmt.Errorf("reconcile: server status %q: %w", body.Status, err)
	}

	id := strings.TrimSpace(*body.RideID)
	return Status{RideID: &id, Status: status, Version: body.Version}, nil
}
