package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/SRE-ARCHITECT/linktracker/internal"
	"github.com/SRE-ARCHITECT/linktracker/internal/geo"
	"github.com/SRE-ARCHITECT/linktracker/internal/repo"
)

// TrackHandler is the ingestion endpoint: it upserts the link for a URL,
// enriches the visitor IP with geolocation, and appends a click event.
type TrackHandler struct {
	links    *repo.LinksRepo
	clicks   *repo.ClicksRepo
	resolver *geo.Resolver
}

func NewTrackHandler(links *repo.LinksRepo, clicks *repo.ClicksRepo, resolver *geo.Resolver) *TrackHandler {
	return &TrackHandler{
		links:    links,
		clicks:   clicks,
		resolver: resolver,
	}
}

type TrackRequest struct {
	URL string `json:"url" validate:"required,url"`
	IP  string `json:"ip"`
}

type TrackResponse struct {
	Success   bool   `json:"success"`
	LinkID    string `json:"link_id"`
	ClickID   string `json:"click_id"`
	ShortCode string `json:"short_code"`
}

// CORSConfig allows browser clients served from anywhere to call the
// ingestion endpoint, including the auth headers supabase-style clients send
// on preflight.
func CORSConfig() middleware.CORSConfig {
	return middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
	}
}

func (h *TrackHandler) Track(c echo.Context) error {
	ctx := c.Request().Context()

	var req TrackRequest
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
		log.Error().Err(err).Str("url", req.URL).Msg("failed to register link")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	// Geolocation is best-effort: a failed lookup yields an empty location and
	// the click is recorded regardless.
	location := h.resolver.Resolve(ctx, req.IP)

	click, err := h.clicks.Record(ctx, link.ID, req.IP, c.Request().UserAgent(), location)
	if err != nil {
		if errors.Is(err, internal.ErrLinkNotFound) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown link")
		}
		log.Error().Err(err).Str("link_id", link.ID).Msg("failed to record click")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	return c.JSON(http.StatusOK, TrackResponse{
		Success:   true,
		LinkID:    link.ID,
		ClickID:   click.ID,
		ShortCode: link.ShortCode,
	})
}
