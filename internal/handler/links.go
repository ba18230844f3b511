package handler

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/SRE-ARCHITECT/linktracker/internal"
	"github.com/SRE-ARCHITECT/linktracker/internal/geo"
	"github.com/SRE-ARCHITECT/linktracker/internal/repo"
)

type LinkHandler struct {
	links    *repo.LinksRepo
	clicks   *repo.ClicksRepo
	resolver *geo.Resolver
}

func NewLinkHandler(links *repo.LinksRepo, clicks *repo.ClicksRepo, resolver *geo.Resolver) *LinkHandler {
	return &LinkHandler{
		links:    links,
		clicks:   clicks,
		resolver: resolver,
	}
}

type CreateLinkRequest struct {
	URL string `json:"url" validate:"required,url"`
}

type LinkResponse struct {
	ID          string `json:"id"`
	OriginalURL string `json:"original_url"`
	ShortCode   string `json:"short_code"`
	ClickCount  int64  `json:"click_count"`
	CreatedAt   any    `json:"created_at"`
}

type CreateLinkResponse struct {
	Link LinkResponse `json:"link"`
}

type ListLinksResponse struct {
	Links []LinkResponse `json:"links"`
}

func (h *LinkHandler) CreateLink(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateLinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	link, err := h.links.Register(ctx, req.URL)
	if err != nil {
		if errors.Is(err, internal.ErrInvalidURL) {
			return echo.NewHTTPError(http.StatusBadRequest, "url must be a well-formed absolute URL")
		}
		log.Error().Err(err).Str("url", req.URL).Msg("failed to create link")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	return c.JSON(http.StatusCreated, CreateLinkResponse{Link: toLinkResponse(link)})
}

func (h *LinkHandler) ListLinks(c echo.Context) error {
	ctx := c.Request().Context()

	links, err := h.links.ListAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list links")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	responses := lo.Map(links, func(link *repo.Link, _ int) LinkResponse {
		return toLinkResponse(link)
	})

	return c.JSON(http.StatusOK, ListLinksResponse{Links: responses})
}

func (h *LinkHandler) Redirect(c echo.Context) error {
	ctx := c.Request().Context()
	code := c.Param("code")

	link, err := h.links.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, internal.ErrLinkNotFound) {
			log.Warn().Str("short_code", code).Msg("link not found")
			return echo.NewHTTPError(http.StatusNotFound, "link not found")
		}
		log.Error().Err(err).Str("short_code", code).Msg("failed to resolve link")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	userAgent := c.Request().UserAgent()
	ipAddress := getClientIP(c.Request())

	log.Info().Str("short_code", code).Str("ip", ipAddress).Msg("redirecting link")

	// The visitor gets their redirect even when recording fails.
	location := h.resolver.Resolve(ctx, ipAddress)
	if _, err := h.clicks.Record(ctx, link.ID, ipAddress, userAgent, location); err != nil {
		log.Error().Err(err).Str("short_code", code).Msg("failed to record click")
	}

	return c.Redirect(http.StatusMovedPermanently, link.OriginalURL)
}

func toLinkResponse(link *repo.Link) LinkResponse {
	return LinkResponse{
		ID:          link.ID,
		OriginalURL: link.OriginalURL,
		ShortCode:   link.ShortCode,
		ClickCount:  link.ClickCount,
		CreatedAt:   link.CreatedAt,
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return first
		}
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return xri
		}
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
