package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/internal/db"
)

func TestCurrentStatus(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	st, err := CurrentStatus(conn)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Current)
	assert.True(t, st.Pending())

	require.NoError(t, Migrate(conn))
	st, err = CurrentStatus(conn)
	require.NoError(t, err)
	assert.Equal(t, st.Latest, st.Current)
	assert.False(t, st.Pending())
}

func TestCurrentStatusReportsQueryErrors(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, Migrate(conn))
	require.NoError(t, conn.Close())

	_, err = CurrentStatus(conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read schema_version")
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('voting_sessions') WHERE name='eligible_voters_at_close'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestMigrateCreatesDiscussionTables(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))

	for _, table := range []string{"discussions", "discussion_replies", "charter_versions"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}
