package repo

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SRE-ARCHITECT/linktracker/internal"
	"github.com/SRE-ARCHITECT/linktracker/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// A named in-memory database survives as long as one pooled connection
	// stays open.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := db.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func countRows(t *testing.T, conn *sql.DB, table string) int {
	t.Helper()

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
	return count
}

func TestRegisterIsIdempotent(t *testing.T) {
	conn := testDB(t)
	links := NewLinksRepo(conn)
	ctx := context.Background()

	first, err := links.Register(ctx, "https://example.com/page")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/page", first.OriginalURL)
	assert.Len(t, first.ShortCode, 6)

	second, err := links.Register(ctx, "https://example.com/page")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ShortCode, second.ShortCode)

	assert.Equal(t, 1, countRows(t, conn, "links"))
}

func TestRegisterRejectsMalformedURL(t *testing.T) {
	conn := testDB(t)
	links := NewLinksRepo(conn)
	ctx := context.Background()

	for _, raw := range []string{"", "not a url", "example.com/no-scheme"} {
		_, err := links.Register(ctx, raw)
		assert.ErrorIs(t, err, internal.ErrInvalidURL, "input %q", raw)
	}

	assert.Equal(t, 0, countRows(t, conn, "links"))
}

func TestRegisterDistinctURLs(t *testing.T) {
	conn := testDB(t)
	links := NewLinksRepo(conn)
	ctx := context.Background()

	a, err := links.Register(ctx, "https://example.com/a")
	require.NoError(t, err)
	b, err := links.Register(ctx, "https://example.com/b")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ShortCode, b.ShortCode)
	assert.Equal(t, 2, countRows(t, conn, "links"))
}

func TestRegisterConcurrentSameURL(t *testing.T) {
	conn := testDB(t)
	links := NewLinksRepo(conn)

	const parallel = 50
	codes := make(chan string, parallel)

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			link, err := links.Register(context.Background(), "https://example.com")
			if assert.NoError(t, err) {
				codes <- link.ShortCode
			}
		}()
	}
	wg.Wait()
	close(codes)

	seen := map[string]struct{}{}
	for code := range codes {
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, 1, "all callers must converge on one short code")
	assert.Equal(t, 1, countRows(t, conn, "links"))
}

func TestGetByCode(t *testing.T) {
	conn := testDB(t)
	links := NewLinksRepo(conn)
	ctx := context.Background()

	created, err := links.Register(ctx, "https://example.com/page")
	require.NoError(t, err)

	got, err := links.GetByCode(ctx, created.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "https://example.com/page", got.OriginalURL)

	_, err = links.GetByCode(ctx, "zzzzzz")
	assert.ErrorIs(t, err, internal.ErrLinkNotFound)
}

func TestIncrementClicksConcurrent(t *testing.T) {
	conn := testDB(t)
	links := NewLinksRepo(conn)
	ctx := context.Background()

	link, err := links.Register(ctx, "https://example.com")
	require.NoError(t, err)

	const parallel = 100
	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, links.IncrementClicks(context.Background(), link.ID))
		}()
	}
	wg.Wait()

	got, err := links.GetByCode(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.EqualValues(t, parallel, got.ClickCount)
}

func TestIncrementClicksUnknownLink(t *testing.T) {
	conn := testDB(t)
	links := NewLinksRepo(conn)

	err := links.IncrementClicks(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, internal.ErrLinkNotFound)
}

func TestListAll(t *testing.T) {
	conn := testDB(t)
	links := NewLinksRepo(conn)
	ctx := context.Background()

	_, err := links.Register(ctx, "https://example.com/a")
	require.NoError(t, err)
	_, err = links.Register(ctx, "https://example.com/b")
	require.NoError(t, err)

	all, err := links.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGenerateCode(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-zA-Z0-9]{6}$`)
	for i := 0; i < 1000; i++ {
		code := GenerateCode()
		require.Regexp(t, pattern, code)
	}
}
