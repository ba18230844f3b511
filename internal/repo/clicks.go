package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/SRE-ARCHITECT/linktracker/internal"
	"github.com/SRE-ARCHITECT/linktracker/internal/geo"
)

type Click struct {
	ID        string  `json:"id"`
	LinkID    string  `json:"link_id"`
	IPAddress string  `json:"ip_address"`
	UserAgent string  `json:"user_agent"`
	Country   *string `json:"country"`
	Region    *string `json:"region"`
	City      *string `json:"city"`
	Timezone  *string `json:"timezone"`
	CreatedAt Date    `json:"created_at"`
}

type ClicksRepo struct {
	db *sql.DB
}

func NewClicksRepo(db *sql.DB) *ClicksRepo {
	return &ClicksRepo{db: db}
}

// Record appends one click event and bumps the owning link's counter in a
// single transaction, so the counter and the event log cannot diverge.
// Repeated calls with identical parameters produce distinct events. Empty
// location fields are stored as NULL.
func (r *ClicksRepo) Record(ctx context.Context, linkID, ipAddress, userAgent string, loc geo.Location) (*Click, error) {
	executor := goqu.New("sqlite", r.db)

	log.Debug().Str("link_id", linkID).Str("ip", ipAddress).Msg("recording click")

	click := &Click{
		ID:        uuid.NewString(),
		LinkID:    linkID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Country:   nullable(loc.Country),
		Region:    nullable(loc.Region),
		City:      nullable(loc.City),
		Timezone:  nullable(loc.Timezone),
		CreatedAt: Date(time.Now().UTC()),
	}

	tx, err := executor.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin click transaction: %w", err)
	}

	err = tx.Wrap(func() error {
		if err := incrementClicks(ctx, tx, linkID); err != nil {
			return err
		}

		_, err := tx.Insert("click_analytics").
			Rows(goqu.Record{
				"id":         click.ID,
				"link_id":    click.LinkID,
				"timezone":   click.Timezone,
				"country":    click.Country,
				"region":     click.Region,
				"city":       click.City,
				"ip_address": click.IPAddress,
				"user_agent": click.UserAgent,
				"created_at": click.CreatedAt,
			}).
			Executor().ExecContext(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, internal.ErrLinkNotFound) {
			return nil, err
		}
		log.Error().Err(err).Str("link_id", linkID).Msg("failed to record click")
		return nil, fmt.Errorf("record click: %w", err)
	}

	log.Debug().Str("link_id", linkID).Str("click_id", click.ID).Msg("click recorded")

	return click, nil
}

// CountForLink counts events in the log for one link. The authoritative total
// lives on links.click_count; this exists to audit the two against each other.
func (r *ClicksRepo) CountForLink(ctx context.Context, linkID string) (int64, error) {
	executor := goqu.New("sqlite", r.db)

	count, err := executor.From("click_analytics").
		Where(goqu.Ex{"link_id": linkID}).
		CountContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("count clicks: %w", err)
	}

	return count, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
