package glsql

import (
	"database/sql"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardkv/internal/replication/config"
)

// DB is a helper struct that should be used only for testing purposes.
type DB struct {
	*sql.DB
	// Name is a name of the database.
	Name string
}

// Truncate removes all data from the list of tables.
func (db DB) Truncate(t testing.TB, tables ...string) {
	t.Helper()

	for _, table := range tables {
		_, err := db.DB.Exec("DELETE FROM " + table)
		require.NoError(t, err, "database cleanup failed: %s", tables)
	}
}

// RequireRowsInTable verifies that `tname` table has `n` amount of rows in it.
func (db DB) RequireRowsInTable(t *testing.T, tname string, n int) {
	t.Helper()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+tname).Scan(&count))
	require.Equal(t, n, count, "unexpected amount of rows in table: %d instead of %d", count, n)
}

// NewDB returns a wrapper around the database connection pool.
// Must be used only for testing.
// The new database with applied migrations will be created for each call of this function.
// It uses env vars:
//
//	PGHOST - required, URL/socket/dir
//	PGPORT - required, binding port
//	PGUSER - optional, user - `$ whoami` would be used if not provided
//
// Once the test is completed the database will be dropped on test cleanup execution.
func NewDB(t testing.TB) DB {
	t.Helper()

	database := "shardkv_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	postgres, err := sql.Open("postgres", DSN(GetDBConfig(t, "postgres")))
	require.NoError(t, err)
	defer func() { require.NoError(t, postgres.Close()) }()

	_, err = postgres.Exec("CREATE DATABASE " + database)
	require.NoError(t, err)

	db, err := sql.Open("postgres", DSN(GetDBConfig(t, database)))
	require.NoError(t, err)

	_, err = Migrate(db, false)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())

		postgres, err := sql.Open("postgres", DSN(GetDBConfig(t, "postgres")))
		require.NoError(t, err)
		defer func() { require.NoError(t, postgres.Close()) }()

		_, err = postgres.Exec("DROP DATABASE " + database)
		require.NoError(t, err)
	})

	return DB{DB: db, Name: database}
}

// GetDBConfig returns the database configuration determined by
// environment variables. See NewDB() for the list of variables.
func GetDBConfig(t testing.TB, database string) config.DB {
	host, hostFound := os.LookupEnv("PGHOST")
	require.True(t, hostFound, "PGHOST env var expected to be provided to connect to Postgres database")

	port, portFound := os.LookupEnv("PGPORT")
	require.True(t, portFound, "PGPORT env var expected to be provided to connect to Postgres database")
	portNumber, err := strconv.Atoi(port)
	require.NoError(t, err, "PGPORT must be a port number of the Postgres database listens for incoming connections")

	return config.DB{
		Host:    host,
		Port:    portNumber,
		DBName:  database,
		SSLMode: "disable",
		User:    os.Getenv("PGUSER"),
	}
}
