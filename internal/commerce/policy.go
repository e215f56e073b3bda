package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

// HTTPPolicySource reads branch policies from the policy API.
type HTTPPolicySource struct {
	baseURL    string
	httpClient *http.Client
}

var _ PolicySource = (*HTTPPolicySource)(nil)

// NewHTTPPolicySource creates a policy source for the given base URL.
func NewHTTPPolicySource(baseURL string) *HTTPPolicySource {
	return &HTTPPolicySource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// GetPolicy fetches the policy for a branch. An empty branch ID fetches the
// chain-wide default policy.
func (s *HTTPPolicySource) GetPolicy(ctx context.Context, branchID string) (models.Policy, error) {
	endpoint := s.baseURL + "/policies/default"
	if branchID != "" {
		endpoint = s.baseURL + "/policies/" + url.PathEscape(branchID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Policy{}, models.NewFlowError(models.ErrorClassTransport, "policy request failed", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("HTTPPolicySource.GetPolicy: request failed", "error", err, "branchID", branchID)
		return models.Policy{}, models.NewFlowError(models.ErrorClassTransport, "policy fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Policy{}, models.NewFlowError(models.ErrorClassTransport, "policy read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.Policy{}, models.NewFlowError(models.ErrorClassTransport,
			fmt.Sprintf("policy fetch returned HTTP %d", resp.StatusCode),
			fmt.Errorf("policy fetch: HTTP %d", resp.StatusCode))
	}

	var policy models.Policy
	if err := json.Unmarshal(body, &policy); err != nil {
		return models.Policy{}, models.NewFlowError(models.ErrorClassTransport, "policy response malformed", err)
	}
	slog.Debug("HTTPPolicySource.GetPolicy: fetched policy", "branchID", branchID, "allowReschedule", policy.AllowReschedule, "allowBranchChange", policy.AllowBranchChange)
	return policy, nil
}
