package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/connectors"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/search"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type linkRequestPayload struct {
	Provider          string   `json:"provider"`
	ProviderAccountID string   `json:"provider_account_id"`
	AccessToken       string   `json:"access_token"`
	RefreshToken      *string  `json:"refresh_token"`
	ExpiresIn         int64    `json:"expires_in"`
	Scopes            []string `json:"scopes"`
}

type linkResponsePayload struct {
	Status string `json:"status"`
	accounts.AccountView
}

type lookupResponsePayload struct {
	Linked bool `json:"linked"`
	*accounts.AccountView
}

func (h *httpHandler) handleLinkAccount(c *gin.Context) {
	var request linkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	view, err := h.accounts.Link(c.Request.Context(), c.GetString(userIDContextKey), accounts.LinkRequest{
		Provider:          request.Provider,
		ProviderAccountID: request.ProviderAccountID,
		AccessToken:       request.AccessToken,
		RefreshToken:      request.RefreshToken,
		ExpiresInSeconds:  request.ExpiresIn,
		Scopes:            request.Scopes,
	})
	if err != nil {
		h.respondServiceError(c, "link_failed", err)
		return
	}
	c.JSON(http.StatusOK, linkResponsePayload{Status: "linked", AccountView: view})
}

func (h *httpHandler) handleListAccounts(c *gin.Context) {
	views, err := h.accounts.List(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondServiceError(c, "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *httpHandler) handleLookupAccount(c *gin.Context) {
	view, ok, err := h.accounts.Lookup(c.Request.Context(), c.GetString(userIDContextKey), c.Param("provider"))
	if err != nil {
		h.respondServiceError(c, "lookup_failed", err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, lookupResponsePayload{Linked: false})
		return
	}
	c.JSON(http.StatusOK, lookupResponsePayload{Linked: true, AccountView: &view})
}

// respondServiceError maps caller mistakes to 400 and everything else to 500, exposing only the code.
func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	var serviceErr *accounts.ServiceError
	if errors.As(err, &serviceErr) {
		if serviceErr.Invalid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": serviceErr.Code()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback, "code": serviceErr.Code()})
		return
	}
	h.logger.Error("unexpected accounts error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	query, ok := c.GetQuery("q")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rawSources, present := c.GetQuery("sources")
	items := h.aggregator.Search(c.Request.Context(), c.GetString(userIDContextKey), query, search.ParseFilter(rawSources, present))
	c.JSON(http.StatusOK, items)
}

// handleSourceMessages fetches from a single connector and reports its failure to the caller.
func (h *httpHandler) handleSourceMessages(c *gin.Context) {
	source := c.Param("source")
	connector, ok := h.registry.Lookup(source)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_source"})
		return
	}

	var options connectors.Options
	if maxResults := c.Query("max_results"); maxResults != "" {
		options = connectors.Options{"max_results": maxResults}
	}
	userID := c.GetString(userIDContextKey)
	items, err := connector.Fetch(c.Request.Context(), userID, c.Query("q"), options)
	if err != nil {
		h.logger.Warn("source fetch failed",
			zap.String("source", source),
			zap.String("user_id", userID),
			zap.Error(err))
		switch {
		case errors.Is(err, connectors.ErrAccountNotLinked):
			c.JSON(http.StatusBadRequest, gin.H{"error": "account_not_linked"})
		case errors.Is(err, connectors.ErrUpstreamFetchFailed):
			c.JSON(http.StatusBadRequest, gin.H{"error": "upstream_fetch_failed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		}
		return
	}
	if items == nil {
		items = []connectors.Item{}
	}
	c.JSON(http.StatusOK, items)
}
