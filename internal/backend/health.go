package backend

import (
	"context"
	"fmt"
	"net/http"
)

// pingBaseURL performs a cheap reachability check against an upstream's
// base URL for C14's /readyz gate. It deliberately does not hit a
// chat-completions endpoint (that would consume quota); any response,
// even an auth-rejected one, proves the upstream is reachable.
func pingBaseURL(ctx context.Context, client *http.Client, baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("backend: no base url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
