// Package feed fetches station snapshots and service alerts from external
// systems.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/1F47E/geo-rebalance/pkg/models"
)

// Source produces a full station snapshot on every call.
type Source interface {
	Fetch(ctx context.Context) (models.Snapshot, error)
}

// SourceFunc adapts a plain function to Source
type SourceFunc func(ctx context.Context) (models.Snapshot, error)

// Fetch calls f
func (f SourceFunc) Fetch(ctx context.Context) (models.Snapshot, error) {
	return f(ctx)
}

const defaultTimeout = 10 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// get fetches url and returns the body of a 200 response.
func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}
