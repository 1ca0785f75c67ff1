package audit

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-ops/shepherd/internal/shared"
)

type recordingDB struct {
	sql  string
	args []any
}

func (r *recordingDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *recordingDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (r *recordingDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func TestAppendAuditSystemActorStoresEmptyClientInfo(t *testing.T) {
	rec := &recordingDB{}
	w := NewWriter(NewPGAppender(rec))

	_, err := w.LogUpdate(context.Background(), shared.SystemActor(), "role", "1",
		Snapshot{"permissions": []string{}}, Snapshot{"permissions": []string{"roles.view"}})
	require.NoError(t, err)
	require.Len(t, rec.args, 8)

	// ip_address and user_agent are NOT NULL; a nil or invalid value would violate them.
	for _, idx := range []int{5, 6} {
		value, ok := rec.args[idx].(string)
		require.Truef(t, ok, "arg %d is %T, want string", idx, rec.args[idx])
		require.Empty(t, value)
	}
}

func TestAppendAuditTrimsClientInfo(t *testing.T) {
	rec := &recordingDB{}
	actor := shared.Actor{UserID: 3, IPAddress: " 10.1.1.1 ", UserAgent: "curl/8\n"}

	_, err := NewWriter(NewPGAppender(rec)).LogApprove(context.Background(), actor, "expense", "9")
	require.NoError(t, err)
	require.Equal(t, "10.1.1.1", rec.args[5])
	require.Equal(t, "curl/8", rec.args[6])
}

func TestAuditLogClientColumnsAreNotNull(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "migrations", "000001_core.up.sql"))
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`ip_address\s+TEXT\s+NOT NULL DEFAULT ''`), string(data))
	require.Regexp(t, regexp.MustCompile(`user_agent\s+TEXT\s+NOT NULL DEFAULT ''`), string(data))
}
