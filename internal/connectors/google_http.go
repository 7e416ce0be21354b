package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultGmailBaseURL = "https://gmail.googleapis.com"
	defaultDriveBaseURL = "https://www.googleapis.com"
	maxErrorBodyBytes   = 512
)

// googleClient issues authenticated JSON GET requests against a Google REST API.
type googleClient struct {
	baseURL    string
	httpClient *http.Client
}

func newGoogleClient(baseURL, fallback string, httpClient *http.Client) googleClient {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = fallback
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return googleClient{baseURL: base, httpClient: httpClient}
}

func (c googleClient) getJSON(ctx context.Context, accessToken, path string, query url.Values, target any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return fmt.Errorf("%s returned status %d: %s", path, response.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%s returned malformed body: %w", path, err)
	}
	return nil
}
