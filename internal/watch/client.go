package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleet-execution-manager/internal/orchestrator"
)

// Client fetches batch status from the fleet API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BatchStatus retrieves the recomputed status view for one batch.
func (c *Client) BatchStatus(ctx context.Context, batchID string) (orchestrator.BatchStatus, error) {
	url := c.baseURL + "/batches/" + batchID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return orchestrator.BatchStatus{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return orchestrator.BatchStatus{}, fmt.Errorf("fetch batch %s: %w", batchID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return orchestrator.BatchStatus{}, fmt.Errorf("batch %s not found", batchID)
	}
	if resp.StatusCode != http.StatusOK {
		return orchestrator.BatchStatus{}, fmt.Errorf("fetch batch %s: status %d", batchID, resp.StatusCode)
	}

	var status orchestrator.BatchStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return orchestrator.BatchStatus{}, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return status, nil
}
