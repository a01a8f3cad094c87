package audit

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Integration tests run when RC_DATABASE_URL is set.

func TestPostgresSinkWrite(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("RC_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: RC_DATABASE_URL is not set")
	}
	req := require.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	req.NoError(err)
	defer pool.Close()

	schema := "rc_it_" + strings.ToLower(time.Now().UTC().Format("150405"))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	sink, err := NewPostgresSink(pool, WithSchema(schema))
	req.NoError(err)
	req.NoError(sink.EnsureSchema(ctx))

	r := NewRecorder(sink, nil, nil)
	r.Record(ctx, ActionAuthSuccess, "conn-1", "10.0.0.1:4000", "", map[string]any{"name": "Alice"})
	r.Record(ctx, ActionAuthSuccess, "conn-2", "", "", nil)

	n, err := sink.Count(ctx, ActionAuthSuccess)
	req.NoError(err)
	req.Equal(2, n)
}
