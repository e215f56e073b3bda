// Package commerce provides the catalog source used to build turn context.
package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

// DefaultCatalogTTL bounds how long a fetched catalog snapshot is reused
// before the backend is asked again.
const DefaultCatalogTTL = 5 * time.Minute

// CatalogSource provides the catalog context attached to each inbound turn:
// products, branches and open delivery dates.
type CatalogSource interface {
	Snapshot(ctx context.Context) (models.ContextSnapshot, error)
}

// StaticCatalogSource returns a fixed snapshot, used when no catalog API is
// configured and by tests.
type StaticCatalogSource struct {
	Catalog models.ContextSnapshot
}

// Snapshot returns the configured catalog.
func (s StaticCatalogSource) Snapshot(ctx context.Context) (models.ContextSnapshot, error) {
	return s.Catalog, nil
}

// HTTPCatalogSource fetches the catalog from the retail backend and caches it
// for a TTL. Turns arrive in bursts; the catalog changes on the order of
// hours, so a short cache keeps the hot path off the backend.
type HTTPCatalogSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.Mutex
	cached    models.ContextSnapshot
	fetchedAt time.Time
}

var _ CatalogSource = (*HTTPCatalogSource)(nil)

// NewHTTPCatalogSource creates a catalog source for the given backend base URL.
func NewHTTPCatalogSource(baseURL, apiKey string) *HTTPCatalogSource {
	return &HTTPCatalogSource{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		ttl:        DefaultCatalogTTL,
	}
}

// Snapshot returns the current catalog, fetching from the backend when the
// cached copy is stale. A fetch failure falls back to the last good snapshot
// so a backend blip does not blank the product list mid-conversation.
func (s *HTTPCatalogSource) Snapshot(ctx context.Context) (models.ContextSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	snapshot, err := s.fetch(ctx)
	if err != nil {
		if !s.fetchedAt.IsZero() {
			slog.Warn("HTTPCatalogSource.Snapshot: fetch failed, serving stale catalog", "error", err, "age", time.Since(s.fetchedAt))
			return s.cached, nil
		}
		return models.ContextSnapshot{}, err
	}

	s.cached = snapshot
	s.fetchedAt = time.Now()
	slog.Debug("HTTPCatalogSource.Snapshot: catalog refreshed",
		"products", len(snapshot.Products), "branches", len(snapshot.Branches), "dates", len(snapshot.DeliveryDates))
	return snapshot, nil
}

func (s *HTTPCatalogSource) fetch(ctx context.Context) (models.ContextSnapshot, error) {
	var snapshot models.ContextSnapshot

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/catalog", nil)
	if err != nil {
		return snapshot, fmt.Errorf("create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return snapshot, models.NewFlowError(models.ErrorClassTransport, "catalog fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return snapshot, models.NewFlowError(models.ErrorClassTransport, "catalog read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return snapshot, classifyStatus(resp.StatusCode, body, "catalog fetch")
	}
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return snapshot, models.NewFlowError(models.ErrorClassTransport, "catalog response malformed", err)
	}
	return snapshot, nil
}
