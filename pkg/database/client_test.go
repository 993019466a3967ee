package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/mcp"
)

// testDSN returns a PostgreSQL connection string: an external database
// when CI_DATABASE_URL is set, a throwaway container otherwise.
func testDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("CI_DATABASE_URL"); dsn != "" {
		return dsn
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("parley_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestOpenAppliesMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a database")
	}
	ctx := context.Background()

	db, err := Open(ctx, testDSN(t))
	require.NoError(t, err)
	defer db.Close()

	// Migrating an up-to-date schema is a no-op, not an error.
	require.NoError(t, Migrate(db))

	for _, table := range []string{"events", "user_tokens"} {
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s must exist after migration", table)
	}
}

func TestSQLTokenStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a database")
	}
	ctx := context.Background()

	db, err := Open(ctx, testDSN(t))
	require.NoError(t, err)
	defer db.Close()

	store := mcp.NewSQLTokenStorage(db)

	require.NoError(t, store.StoreToken(ctx, &mcp.StoredToken{
		UserEmail:  "alice@example.com",
		ServerName: "github",
		Token:      "tok-1",
		TokenType:  "oauth",
		Scopes:     []string{"repo", "read:org"},
		Metadata:   map[string]any{"installation_id": "77"},
	}))

	got, err := store.GetValidToken(ctx, "alice@example.com", "github")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.Token)
	assert.Equal(t, []string{"repo", "read:org"}, got.Scopes)
	assert.Equal(t, "77", got.Metadata["installation_id"])

	// Upsert replaces in place.
	require.NoError(t, store.StoreToken(ctx, &mcp.StoredToken{
		UserEmail: "alice@example.com", ServerName: "github", Token: "tok-2", TokenType: "oauth",
	}))
	got, err = store.GetValidToken(ctx, "alice@example.com", "github")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.Token)

	// Expired tokens are treated as absent.
	require.NoError(t, store.StoreToken(ctx, &mcp.StoredToken{
		UserEmail: "alice@example.com", ServerName: "jira", Token: "old", TokenType: "oauth",
		ExpiresAt: time.Now().Add(-time.Hour),
	}))
	_, err = store.GetValidToken(ctx, "alice@example.com", "jira")
	assert.ErrorIs(t, err, mcp.ErrNoToken)

	servers, err := store.AuthStatus(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"github"}, servers)

	removed, err := store.DeleteUserTokens(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestPGPublisherPersistsAndNotifies(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a database")
	}
	ctx := context.Background()

	db, err := Open(ctx, testDSN(t))
	require.NoError(t, err)
	defer db.Close()

	pub := events.NewPGPublisher(db)
	ev := events.NewEvent(events.TypeChatResponse, "sess-1", events.ChatResponsePayload{Content: "hello"})
	require.NoError(t, pub.Publish(ctx, ev))

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM events WHERE session_id = $1`, "sess-1").Scan(&count))
	assert.Equal(t, 1, count)

	// Transient events are broadcast only, never persisted.
	require.NoError(t, pub.Publish(ctx, events.NewEvent(events.TypeTokenStream, "sess-1", events.TokenStreamPayload{Token: "h"})))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM events WHERE session_id = $1`, "sess-1").Scan(&count))
	assert.Equal(t, 1, count)
}
