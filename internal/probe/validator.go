package probe

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the Gemini API endpoint probed when none is configured.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// ErrRejected means the upstream refused the credential.
var ErrRejected = errors.New("probe: credential rejected")

// HTTPValidator checks a credential by listing the models it can see.
type HTTPValidator struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPValidator creates a validator against baseURL.
func NewHTTPValidator(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPValidator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPValidator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Validate returns nil when the upstream accepts secret.
func (v *HTTPValidator) Validate(ctx context.Context, secret string) error {
	_, err := v.ListModels(ctx, secret)
	return err
}

// ListModels returns the model identifiers visible to secret.
func (v *HTTPValidator) ListModels(ctx context.Context, secret string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v1beta/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", secret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	body, err := io.ReadAll(io.LimitReader(reader, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		v.logger.Debug("List models returned non-200 response",
			zap.Int("status", resp.StatusCode),
			zap.String("body_preview", string(body[:min(200, len(body))])))
		return nil, fmt.Errorf("list models: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	ids := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	v.logger.Debug("Listed models", zap.Int("count", len(ids)))
	return ids, nil
}
