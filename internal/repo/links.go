package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/SRE-ARCHITECT/linktracker/internal"
)

// maxCodeAttempts bounds short-code regeneration on collision. At 62^6 codes a
// collision is already vanishingly rare; the bound exists so a pathological
// table can never spin the registry forever.
const maxCodeAttempts = 10

var validate = validator.New()

type Link struct {
	ID          string `json:"id"`
	OriginalURL string `json:"original_url"`
	ShortCode   string `json:"short_code"`
	ClickCount  int64  `json:"click_count"`
	CreatedAt   Date   `json:"created_at"`
}

type linkRow struct {
	ID          string `db:"id"`
	OriginalURL string `db:"original_url"`
	ShortCode   string `db:"short_code"`
	ClickCount  int64  `db:"click_count"`
	CreatedAt   Date   `db:"created_at"`
}

type LinksRepo struct {
	db *sql.DB
}

func NewLinksRepo(db *sql.DB) *LinksRepo {
	return &LinksRepo{db: db}
}

// Register returns the link for originalURL, creating it with a fresh short
// code on first sight. The insert is an upsert keyed on original_url, so
// concurrent registrations of the same URL converge on a single row. A collision
// on the generated short code triggers regeneration up to maxCodeAttempts.
func (r *LinksRepo) Register(ctx context.Context, originalURL string) (*Link, error) {
	if err := validate.Var(originalURL, "required,url"); err != nil {
		return nil, internal.ErrInvalidURL
	}

	executor := goqu.New("sqlite", r.db)

	log.Debug().Str("url", originalURL).Msg("registering link")

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code := GenerateCode()
		now := Date(time.Now().UTC())

		query := executor.Insert("links").
			Rows(goqu.Record{
				"id":           uuid.NewString(),
				"original_url": originalURL,
				"short_code":   code,
				"click_count":  0,
				"created_at":   now,
			}).
			OnConflict(goqu.DoUpdate("original_url", goqu.Record{"original_url": originalURL})).
			Returning("id", "original_url", "short_code", "click_count", "created_at")

		var row linkRow
		found, err := query.Executor().ScanStructContext(ctx, &row)
		if err != nil {
			if isShortCodeCollision(err) {
				log.Warn().Int("attempt", attempt).Str("code", code).Msg("short code collision, regenerating")
				continue
			}
			log.Error().Err(err).Str("url", originalURL).Msg("failed to register link")
			return nil, fmt.Errorf("register link: %w", err)
		}

		if !found {
			return nil, errors.New("register link: upsert returned no rows")
		}

		link := row.toDomain()
		log.Info().Str("id", link.ID).Str("short_code", link.ShortCode).Msg("link registered")

		return link, nil
	}

	log.Error().Str("url", originalURL).Int("attempts", maxCodeAttempts).Msg("exhausted short code attempts")
	return nil, internal.ErrCodeSpaceExhausted
}

func (r *LinksRepo) GetByCode(ctx context.Context, code string) (*Link, error) {
	executor := goqu.New("sqlite", r.db)

	log.Debug().Str("short_code", code).Msg("fetching link by short code")

	query := executor.From("links").Where(goqu.Ex{"short_code": code}).Select(
		"id", "original_url", "short_code", "click_count", "created_at",
	)

	var row linkRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Str("short_code", code).Msg("failed to fetch link")
		return nil, fmt.Errorf("fetch link: %w", err)
	}

	if !found {
		return nil, internal.ErrLinkNotFound
	}

	return row.toDomain(), nil
}

func (r *LinksRepo) ListAll(ctx context.Context) ([]*Link, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("links").Select(
		"id", "original_url", "short_code", "click_count", "created_at",
	).Order(goqu.C("created_at").Desc())

	var rows []linkRow
	if err := query.Executor().ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	links := make([]*Link, len(rows))
	for i, row := range rows {
		links[i] = row.toDomain()
	}

	return links, nil
}

// IncrementClicks bumps the click counter for a link. ErrLinkNotFound is
// returned when id does not refer to an existing link.
func (r *LinksRepo) IncrementClicks(ctx context.Context, id string) error {
	executor := goqu.New("sqlite", r.db)
	return incrementClicks(ctx, executor, id)
}

type clickUpdater interface {
	Update(table any) *goqu.UpdateDataset
}

// incrementClicks runs a single UPDATE so concurrent increments cannot lose
// updates. It is shared with the click recorder, which calls it inside the
// transaction that appends the click event.
func incrementClicks(ctx context.Context, ex clickUpdater, linkID string) error {
	res, err := ex.Update("links").
		Set(goqu.Record{"click_count": goqu.L("click_count + 1")}).
		Where(goqu.Ex{"id": linkID}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("increment clicks: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment clicks: %w", err)
	}
	if affected == 0 {
		return internal.ErrLinkNotFound
	}

	return nil
}

func (r *linkRow) toDomain() *Link {
	return &Link{
		ID:          r.ID,
		OriginalURL: r.OriginalURL,
		ShortCode:   r.ShortCode,
		ClickCount:  r.ClickCount,
		CreatedAt:   r.CreatedAt,
	}
}

func GenerateCode() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	code := make([]byte, 6)
	for i := range code {
		code[i] = charset[rand.Intn(len(charset))]
	}
	return string(code)
}

// The sqlite driver reports constraint violations as plain strings; there is
// no structured error to unwrap.
func isShortCodeCollision(err error) bool {
	return err != nil &&
		strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), "links.short_code")
}
