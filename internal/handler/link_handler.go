package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Monthlyaway/ttl-link/internal/errx"
	"github.com/Monthlyaway/ttl-link/internal/middleware"
	"github.com/Monthlyaway/ttl-link/internal/service"
	"github.com/gin-gonic/gin"
)

// LinkHandler handles HTTP requests for link operations
type LinkHandler struct {
	service *service.LinkService
	baseURL string
	logger  *slog.Logger
}

// NewLinkHandler creates a new link handler instance
func NewLinkHandler(service *service.LinkService, baseURL string, logger *slog.Logger) *LinkHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkHandler{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// CreateLinkRequest represents the request body for POST /shorten
type CreateLinkRequest struct {
	URL         string `json:"url" binding:"required"`
	Alias       string `json:"alias,omitempty"`
	Lifetime    *int   `json:"lifetime,omitempty"` // seconds
	ProjectName string `json:"project_name,omitempty"`
}

// CreateLinkResponse represents the response for a created link
type CreateLinkResponse struct {
	Alias       string    `json:"alias"`
	ShortURL    string    `json:"short_url"`
	OriginalURL string    `json:"original_url"`
	ExpireAt    time.Time `json:"expire_at"`
}

// UpdateLinkRequest represents the request body for PUT /:alias
type UpdateLinkRequest struct {
	UpdateURL string `json:"update_url" binding:"required"`
}

// Response represents a generic API response
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// RouteLimits holds extra middleware for the two hot routes
type RouteLimits struct {
	Create   []gin.HandlerFunc
	Redirect []gin.HandlerFunc
}

// Register mounts every route on r. Static routes win over /:alias.
func (h *LinkHandler) Register(r gin.IRouter, limits RouteLimits) {
	r.GET("/health", h.HealthCheck)
	r.POST("/shorten", withHandler(limits.Create, h.Create)...)
	r.GET("/projects/:name", h.ProjectLinks)
	r.GET("/tools/expired_urls", h.ExpiredLinks)
	r.GET("/tools/search", h.Search)
	r.GET("/:alias", withHandler(limits.Redirect, h.Redirect)...)
	r.PUT("/:alias", h.Update)
	r.DELETE("/:alias", h.Delete)
	r.GET("/:alias/stats", h.Stats)
}

// Create handles POST /shorten
func (h *LinkHandler) Create(c *gin.Context) {
	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: "Invalid request: " + err.Error(),
		})
		return
	}

	link, err := h.service.Create(c.Request.Context(), service.CreateRequest{
		URL:      req.URL,
		Alias:    req.Alias,
		Lifetime: req.Lifetime,
		Owner:    middleware.Owner(c),
		Project:  req.ProjectName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{
		Code:    http.StatusCreated,
		Message: "URL has been shortened",
		Data: CreateLinkResponse{
			Alias:       link.Alias,
			ShortURL:    fmt.Sprintf("%s/%s", h.baseURL, link.Alias),
			OriginalURL: link.TargetURL,
			ExpireAt:    link.ExpireAt,
		},
	})
}

// Redirect handles GET /:alias
func (h *LinkHandler) Redirect(c *gin.Context) {
	link, err := h.service.Resolve(c.Request.Context(), c.Param("alias"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, link.TargetURL)
}

// Update handles PUT /:alias
func (h *LinkHandler) Update(c *gin.Context) {
	owner, ok := h.requireOwner(c)
	if !ok {
		return
	}

	var req UpdateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: "Invalid request: " + err.Error(),
		})
		return
	}

	link, err := h.service.UpdateTarget(c.Request.Context(), c.Param("alias"), req.UpdateURL, owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "URL has been updated",
		Data:    link,
	})
}

// Delete handles DELETE /:alias
func (h *LinkHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("alias"), middleware.Owner(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stats handles GET /:alias/stats
func (h *LinkHandler) Stats(c *gin.Context) {
	owner, ok := h.requireOwner(c)
	if !ok {
		return
	}
	stats, err := h.service.Stats(c.Request.Context(), c.Param("alias"), owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Data: stats})
}

// ProjectLinks handles GET /projects/:name
func (h *LinkHandler) ProjectLinks(c *gin.Context) {
	owner, ok := h.requireOwner(c)
	if !ok {
		return
	}
	links, err := h.service.ProjectLinks(c.Request.Context(), owner, c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Data: links})
}

// ExpiredLinks handles GET /tools/expired_urls
func (h *LinkHandler) ExpiredLinks(c *gin.Context) {
	owner, ok := h.requireOwner(c)
	if !ok {
		return
	}
	links, err := h.service.ExpiredLinks(c.Request.Context(), owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Data: links})
}

// Search handles GET /tools/search?original_url=
func (h *LinkHandler) Search(c *gin.Context) {
	target := c.Query("original_url")
	if target == "" {
		c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: "original_url is required",
		})
		return
	}
	links, err := h.service.Search(c.Request.Context(), target)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Data: links})
}

// HealthCheck handles GET /health
func (h *LinkHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "OK",
	})
}

func withHandler(chain []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	handlers := make([]gin.HandlerFunc, 0, len(chain)+1)
	return append(append(handlers, chain...), h)
}

func (h *LinkHandler) requireOwner(c *gin.Context) (string, bool) {
	owner := middleware.Owner(c)
	if owner == "" {
		c.JSON(http.StatusUnauthorized, Response{
			Code:    http.StatusUnauthorized,
			Message: "Authentication required",
		})
		return "", false
	}
	return owner, true
}

// fail writes err with the status code its kind maps to
func (h *LinkHandler) fail(c *gin.Context, err error) {
	status, message := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			"request_id", middleware.GetRequestID(c),
			"op", errx.OpOf(err),
			"error", err)
	}
	c.JSON(status, Response{Code: status, Message: message})
}

// StatusFor maps a service error to an HTTP status and a client message
func StatusFor(err error) (int, string) {
	switch errx.KindOf(err) {
	case errx.NotFound:
		return http.StatusNotFound, "URL is not found"
	case errx.Conflict:
		return http.StatusConflict, "Alias already exists, try another one"
	case errx.Invalid:
		return http.StatusBadRequest, invalidMessage(err)
	case errx.Unauthorized:
		return http.StatusUnauthorized, "Authentication required"
	case errx.Forbidden:
		return http.StatusForbidden, "This URL belongs to another user"
	case errx.Unavailable:
		if errors.Is(err, errx.ErrAllocationExhausted) {
			return http.StatusServiceUnavailable, "No free alias available, try again later"
		}
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func invalidMessage(err error) string {
	switch {
	case errors.Is(err, errx.ErrAliasReserved):
		return "This alias is reserved, try another one"
	case errors.Is(err, errx.ErrInvalidAlias):
		return "Alias may only contain letters, digits, '-' and '_'"
	case errors.Is(err, errx.ErrInvalidURL):
		return "Invalid URL"
	default:
		return "Invalid request"
	}
}
