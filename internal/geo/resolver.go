package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Location is a best-effort geolocation record. Any field may be empty when
// the upstream service has no data for it; the zero value means the lookup
// produced nothing at all.
type Location struct {
	Country  string `json:"country"`
	Region   string `json:"region"`
	City     string `json:"city"`
	Timezone string `json:"timezone"`
}

func (l Location) IsZero() bool {
	return l == Location{}
}

type Config struct {
	// BaseURL of an ipapi.co-compatible lookup service.
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
	// CacheSize caps the number of cached IPs so distinct visitors cannot
	// grow the cache without bound.
	CacheSize int
}

type cacheItem struct {
	loc     Location
	expires time.Time
}

// Resolver enriches IP addresses with geolocation data from an external
// lookup service. Lookups are cached per IP and wrapped in a circuit breaker
// so a dead upstream stops costing the full request timeout on every click.
type Resolver struct {
	baseURL    string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker[Location]
	ttl        time.Duration
	maxEntries int

	mu    sync.Mutex
	cache map[string]cacheItem
}

func NewResolver(cfg Config) *Resolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://ipapi.co"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}

	breaker := gobreaker.NewCircuitBreaker[Location](gobreaker.Settings{
		Name:    "geoip",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("geolocation breaker state changed")
		},
	})

	return &Resolver{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		ttl:        cfg.CacheTTL,
		maxEntries: cfg.CacheSize,
		cache:      make(map[string]cacheItem),
	}
}

// Resolve maps an IP address to a location. It never fails: upstream errors
// degrade to the zero Location so the caller can record the click regardless.
func (r *Resolver) Resolve(ctx context.Context, ip string) Location {
	if !isRoutableIP(ip) {
		return Location{}
	}

	now := time.Now()
	r.mu.Lock()
	if item, ok := r.cache[ip]; ok && now.Before(item.expires) {
		r.mu.Unlock()
		return item.loc
	}
	r.mu.Unlock()

	loc, err := r.breaker.Execute(func() (Location, error) {
		return r.lookup(ctx, ip)
	})
	if err != nil {
		log.Warn().Err(err).Str("ip", ip).Msg("geolocation lookup failed")
		return Location{}
	}

	r.mu.Lock()
	if _, ok := r.cache[ip]; !ok && len(r.cache) >= r.maxEntries {
		r.evictExpiredLocked(now)
	}
	if _, ok := r.cache[ip]; ok || len(r.cache) < r.maxEntries {
		r.cache[ip] = cacheItem{loc: loc, expires: now.Add(r.ttl)}
	}
	r.mu.Unlock()

	return loc
}

// evictExpiredLocked drops expired entries. When every entry is still live
// the cache stays full and new IPs simply go uncached until something
// expires; caching is best-effort like the lookups it fronts.
func (r *Resolver) evictExpiredLocked(now time.Time) {
	for ip, item := range r.cache {
		if now.After(item.expires) {
			delete(r.cache, ip)
		}
	}
}

func (r *Resolver) lookup(ctx context.Context, ip string) (Location, error) {
	endpoint := fmt.Sprintf("%s/%s/json/", r.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Location{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Location{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("geolocation service returned %s", resp.Status)
	}

	var payload struct {
		CountryName string `json:"country_name"`
		Region      string `json:"region"`
		City        string `json:"city"`
		Timezone    string `json:"timezone"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Location{}, fmt.Errorf("decode geolocation payload: %w", err)
	}

	return Location{
		Country:  payload.CountryName,
		Region:   payload.Region,
		City:     payload.City,
		Timezone: payload.Timezone,
	}, nil
}

// isRoutableIP filters addresses no public geolocation service can place.
func isRoutableIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return !parsed.IsLoopback() &&
		!parsed.IsPrivate() &&
		!parsed.IsLinkLocalUnicast() &&
		!parsed.IsUnspecified()
}
