package backend

import (
	"context"
	"fmt"
	"net/http"
)

// DefaultInternetProbeURL answers 204 on any working connection.
const DefaultInternetProbeURL = "https://clients3.google.com/generate_204"

const healthPath = "/auth/v1/health"

// PingInternet issues a HEAD request to the internet probe URL. Any response
// at all, whatever its status, proves the network path works.
func (c *Client) PingInternet(ctx context.Context) error {
	probe := c.internetProbeURL
	if probe == "" {
		probe = DefaultInternetProbeURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probe, nil)
	if err != nil {
		return fmt.Errorf("backend: creating internet probe: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}

	resp.Body.Close()

	return nil
}

// PingBackend performs the cheapest unauthenticated read the backend offers.
func (c *Client) PingBackend(ctx context.Context) error {
	resp, err := c.WithToken(nil).Do(ctx, http.MethodGet, healthPath, nil, nil)
	if err != nil {
		return err
	}

	return drain(resp)
}
