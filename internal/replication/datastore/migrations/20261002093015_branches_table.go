package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20261002093015_branches_table",
		Up: []string{`
CREATE TABLE branches (
	branch_id UUID PRIMARY KEY,
	region_start TEXT NOT NULL,
	region_end TEXT,
	initial_timestamp BIGINT NOT NULL,
	origin JSONB NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
)`},
		Down: []string{"DROP TABLE branches"},
	}

	allMigrations = append(allMigrations, m)
}
