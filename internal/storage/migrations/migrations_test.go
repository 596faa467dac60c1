package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	input := `
-- first table
CREATE TABLE a (x UInt64) ENGINE = MergeTree() ORDER BY x;

-- second table
CREATE TABLE b (y String) ENGINE = MergeTree() ORDER BY y;
`
	stmts := splitStatements(input)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x UInt64) ENGINE = MergeTree() ORDER BY x", stmts[0])
	assert.Contains(t, stmts[1], "CREATE TABLE b")
}

func TestValidateNoSemicolonInStrings(t *testing.T) {
	assert.NoError(t, validateNoSemicolonInStrings(`SELECT 'it''s fine';`))
	assert.Error(t, validateNoSemicolonInStrings(`SELECT 'a;b';`))
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://default:@localhost:9000/cabal")
	require.NoError(t, err)
	assert.Equal(t, "cabal", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)

	_, err = databaseFromDSN("clickhouse://localhost:9000/cabal;DROP")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"ch/002_b.sql":   {Data: []byte("CREATE TABLE b (y String) ENGINE = Memory;\nCREATE TABLE c (z String) ENGINE = Memory;")},
		"ch/001_a.sql":   {Data: []byte("-- a\nCREATE TABLE a (x UInt64) ENGINE = Memory;")},
		"ch/003_nop.sql": {Data: []byte("  \n")},
		"ch/README.md":   {Data: []byte("not sql")},
	}

	ms, err := load(fsys, "ch")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "001_a.sql", ms[0].name)
	assert.Equal(t, "002_b.sql", ms[1].name)

	stmts, err := ms[1].statements()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"CREATE TABLE b (y String) ENGINE = Memory",
		"CREATE TABLE c (z String) ENGINE = Memory",
	}, stmts)

	bad := migration{name: "004_bad.sql", sql: "INSERT INTO t VALUES ('a;b');"}
	_, err = bad.statements()
	assert.ErrorContains(t, err, "004_bad.sql")
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	ch, err := load(ClickhouseFS, "clickhouse")
	require.NoError(t, err)
	for _, m := range ch {
		stmts, err := m.statements()
		require.NoError(t, err, m.name)
		assert.NotEmpty(t, stmts, m.name)
	}

	pg, err := load(PostgresFS, "postgres")
	require.NoError(t, err)
	assert.Len(t, pg, 2)
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	pg, err := sqlFiles(PostgresFS, "postgres")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_ledger.sql", "002_transactions.sql"}, pg)

	ch, err := sqlFiles(ClickhouseFS, "clickhouse")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_balances.sql", "002_claim_events.sql"}, ch)
}
