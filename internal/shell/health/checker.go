package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCheck builds a Check that issues a GET against the target URL and
// treats any 2xx response as healthy. Non-2xx responses are unhealthy;
// transport failures are errors.
func HTTPCheck(client *http.Client) Check {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return func(ctx context.Context, target string) (bool, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return false, "", fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return false, "", fmt.Errorf("probe %s: %w", target, err)
		}
		defer resp.Body.Close()

		// Drain so the transport can reuse the connection.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
		return healthy, resp.Status, nil
	}
}
