package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/search"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "omnibridge_user_id"

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingAccountsService = errors.New("accounts service dependency required")
	errMissingRegistry        = errors.New("connector registry dependency required")
	errMissingAggregator      = errors.New("search aggregator dependency required")
)

// TokenManager resolves bearer tokens to user ids and mints new ones.
type TokenManager interface {
	IssueToken(ctx context.Context, identity string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager       TokenManager
	AccountsService    *accounts.Service
	Registry           *search.Registry
	Aggregator         *search.Aggregator
	AllowTokenIssuance bool
	AllowedOrigins     []string
	Logger             *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.AccountsService == nil {
		return nil, errMissingAccountsService
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Aggregator == nil {
		return nil, errMissingAggregator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		accounts:   deps.AccountsService,
		registry:   deps.Registry,
		aggregator: deps.Aggregator,
		logger:     logger,
	}

	router.GET("/health", handler.handleHealth)
	if deps.AllowTokenIssuance {
		router.POST("/auth/token", handler.handleIssueToken)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/protected", handler.handleProtected)
	protected.POST("/accounts/link", handler.handleLinkAccount)
	protected.GET("/accounts", handler.handleListAccounts)
	protected.GET("/accounts/:provider", handler.handleLookupAccount)
	protected.GET("/search", handler.handleSearch)
	protected.GET("/sources/:source/messages", handler.handleSourceMessages)

	return router, nil
}

// corsMiddleware allows every origin when origins is empty or contains "*".
func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	explicit := make([]string, 0, len(origins))
	allowAll := len(origins) == 0
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			allowAll = true
			break
		}
		if trimmed != "" {
			explicit = append(explicit, trimmed)
		}
	}
	if allowAll || len(explicit) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = explicit
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens     TokenManager
	accounts   *accounts.Service
	registry   *search.Registry
	aggregator *search.Aggregator
	logger     *zap.Logger
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), email)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   expiresIn,
	})
}

func (h *httpHandler) handleProtected(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(userIDContextKey)})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}
