package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id:   "20261009141122_branches_created_at_index",
		Up:   []string{"CREATE INDEX branches_created_at_idx ON branches (created_at)"},
		Down: []string{"DROP INDEX branches_created_at_idx"},
	}

	allMigrations = append(allMigrations, m)
}
