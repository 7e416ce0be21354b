package connectors

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	SourceDrive            = "drive"
	defaultDriveMaxResults = 20
	driveFileFields        = "files(id,name,mimeType,modifiedTime,webViewLink)"
)

// DriveFile is the subset of Drive file metadata the connector normalizes.
type DriveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	ModifiedTime string `json:"modifiedTime"`
	WebViewLink  string `json:"webViewLink"`
}

// DriveAPI searches the files visible to the access token.
type DriveAPI interface {
	SearchFiles(ctx context.Context, accessToken, query string, maxResults int) ([]DriveFile, error)
}

// DriveHTTPClient talks to the Drive v3 REST API.
type DriveHTTPClient struct {
	client googleClient
}

// NewDriveHTTPClient builds a Drive client. An empty baseURL targets the public Google APIs endpoint.
func NewDriveHTTPClient(baseURL string, httpClient *http.Client) *DriveHTTPClient {
	return &DriveHTTPClient{client: newGoogleClient(baseURL, defaultDriveBaseURL, httpClient)}
}

func (c *DriveHTTPClient) SearchFiles(ctx context.Context, accessToken, query string, maxResults int) ([]DriveFile, error) {
	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(maxResults))
	params.Set("fields", driveFileFields)
	params.Set("q", driveSearchExpression(query))

	var response struct {
		Files []DriveFile `json:"files"`
	}
	if err := c.client.getJSON(ctx, accessToken, "/drive/v3/files", params, &response); err != nil {
		return nil, err
	}
	return response.Files, nil
}

var driveQueryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func driveSearchExpression(query string) string {
	if query == "" {
		return "trashed = false"
	}
	return "fullText contains '" + driveQueryEscaper.Replace(query) + "' and trashed = false"
}

// DriveConfig configures the Drive connector.
type DriveConfig struct {
	Accounts   AccountReader
	API        DriveAPI
	MaxResults int
	Logger     *zap.Logger
}

// DriveConnector normalizes Drive file metadata using the user's linked Google account.
type DriveConnector struct {
	accounts   AccountReader
	api        DriveAPI
	maxResults int
	logger     *zap.Logger
}

func NewDriveConnector(cfg DriveConfig) (*DriveConnector, error) {
	if cfg.Accounts == nil {
		return nil, errMissingStore
	}
	api := cfg.API
	if api == nil {
		api = NewDriveHTTPClient("", nil)
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultDriveMaxResults
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DriveConnector{accounts: cfg.Accounts, api: api, maxResults: maxResults, logger: logger}, nil
}

func (c *DriveConnector) Source() string   { return SourceDrive }
func (c *DriveConnector) Provider() string { return ProviderGoogle }

func (c *DriveConnector) Fetch(ctx context.Context, userID, query string, options Options) ([]Item, error) {
	account, err := credentials(ctx, c.accounts, SourceDrive, ProviderGoogle, userID)
	if err != nil {
		return nil, err
	}

	files, err := c.api.SearchFiles(ctx, account.AccessToken, strings.TrimSpace(query), options.MaxResults(c.maxResults))
	if err != nil {
		return nil, upstreamFailed(SourceDrive, err)
	}

	items := make([]Item, 0, len(files))
	for _, file := range files {
		items = append(items, NewItem(SourceDrive, file.ID, map[string]any{
			"title":     nullable(file.Name),
			"mime_type": nullable(file.MimeType),
			"timestamp": nullable(file.ModifiedTime),
			"url":       nullable(file.WebViewLink),
		}))
	}
	c.logger.Debug("drive files fetched", zap.String("user_id", userID), zap.Int("count", len(items)))
	return items, nil
}
