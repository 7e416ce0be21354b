package connectors

import (
	"context"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	SourceGmail    = "gmail"
	ProviderGoogle = "google"

	defaultGmailMaxResults   = 20
	gmailDetailFetchParallel = 4
)

// GmailMessage is the metadata subset of a Gmail message the connector normalizes.
type GmailMessage struct {
	ID       string
	ThreadID string
	From     string
	To       string
	Subject  string
	Date     string
	Snippet  string
}

// GmailAPI lists recent message metadata for the mailbox the access token belongs to.
type GmailAPI interface {
	ListMessages(ctx context.Context, accessToken, query string, maxResults int) ([]GmailMessage, error)
}

// GmailHTTPClient talks to the Gmail REST API.
type GmailHTTPClient struct {
	client googleClient
}

// NewGmailHTTPClient builds a Gmail client. An empty baseURL targets the public Gmail endpoint.
func NewGmailHTTPClient(baseURL string, httpClient *http.Client) *GmailHTTPClient {
	return &GmailHTTPClient{client: newGoogleClient(baseURL, defaultGmailBaseURL, httpClient)}
}

type gmailListResponse struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
}

type gmailMessageResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Snippet  string `json:"snippet"`
	Payload  struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// ListMessages lists the newest messages, then loads each message's metadata headers.
func (c *GmailHTTPClient) ListMessages(ctx context.Context, accessToken, query string, maxResults int) ([]GmailMessage, error) {
	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(maxResults))
	params.Set("includeSpamTrash", "true")
	if query != "" {
		params.Set("q", query)
	}

	var listed gmailListResponse
	if err := c.client.getJSON(ctx, accessToken, "/gmail/v1/users/me/messages", params, &listed); err != nil {
		return nil, err
	}

	messages := make([]GmailMessage, len(listed.Messages))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(gmailDetailFetchParallel)
	for index, entry := range listed.Messages {
		group.Go(func() error {
			detailParams := url.Values{}
			detailParams.Set("format", "metadata")
			for _, header := range []string{"From", "To", "Subject", "Date"} {
				detailParams.Add("metadataHeaders", header)
			}
			var detail gmailMessageResponse
			path := "/gmail/v1/users/me/messages/" + url.PathEscape(entry.ID)
			if err := c.client.getJSON(groupCtx, accessToken, path, detailParams, &detail); err != nil {
				return err
			}
			message := GmailMessage{ID: detail.ID, ThreadID: detail.ThreadID, Snippet: detail.Snippet}
			if message.ID == "" {
				message.ID = entry.ID
			}
			for _, header := range detail.Payload.Headers {
				switch strings.ToLower(header.Name) {
				case "from":
					message.From = header.Value
				case "to":
					message.To = header.Value
				case "subject":
					message.Subject = header.Value
				case "date":
					message.Date = header.Value
				}
			}
			messages[index] = message
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return messages, nil
}

// GmailConfig configures the Gmail connector.
type GmailConfig struct {
	Accounts   AccountReader
	API        GmailAPI
	MaxResults int
	Logger     *zap.Logger
}

// GmailConnector normalizes Gmail message metadata. The query is forwarded as a Gmail search expression.
type GmailConnector struct {
	accounts   AccountReader
	api        GmailAPI
	maxResults int
	logger     *zap.Logger
}

// NewGmailConnector constructs the connector. A nil API uses the public Gmail endpoint.
func NewGmailConnector(cfg GmailConfig) (*GmailConnector, error) {
	if cfg.Accounts == nil {
		return nil, errMissingStore
	}
	api := cfg.API
	if api == nil {
		api = NewGmailHTTPClient("", nil)
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultGmailMaxResults
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GmailConnector{accounts: cfg.Accounts, api: api, maxResults: maxResults, logger: logger}, nil
}

func (c *GmailConnector) Source() string   { return SourceGmail }
func (c *GmailConnector) Provider() string { return ProviderGoogle }

func (c *GmailConnector) Fetch(ctx context.Context, userID, query string, options Options) ([]Item, error) {
	account, err := credentials(ctx, c.accounts, SourceGmail, ProviderGoogle, userID)
	if err != nil {
		return nil, err
	}

	messages, err := c.api.ListMessages(ctx, account.AccessToken, strings.TrimSpace(query), options.MaxResults(c.maxResults))
	if err != nil {
		return nil, upstreamFailed(SourceGmail, err)
	}

	items := make([]Item, 0, len(messages))
	for _, message := range messages {
		items = append(items, NewItem(SourceGmail, message.ID, map[string]any{
			"thread_id": message.ThreadID,
			"from":      nullable(message.From),
			"to":        splitRecipients(message.To),
			"subject":   nullable(message.Subject),
			"snippet":   nullable(message.Snippet),
			"timestamp": parseMailDate(message.Date),
		}))
	}
	c.logger.Debug("gmail messages fetched", zap.String("user_id", userID), zap.Int("count", len(items)))
	return items, nil
}

func splitRecipients(raw string) []string {
	recipients := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			recipients = append(recipients, trimmed)
		}
	}
	return recipients
}

// parseMailDate converts an RFC 5322 Date header into RFC 3339 UTC, or nil when unusable.
func parseMailDate(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	parsed, err := mail.ParseDate(trimmed)
	if err != nil {
		return nil
	}
	return parsed.UTC().Format(time.RFC3339)
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
