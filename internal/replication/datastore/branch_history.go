// Package datastore persists the branch history in Postgres.
package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gitlab.com/gitlab-org/shardkv/internal/replication/datastore/advisorylock"
	"gitlab.com/gitlab-org/shardkv/internal/replication/datastore/glsql"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

// PostgresBranchHistory is a version.History stored in the branches table.
type PostgresBranchHistory struct {
	db glsql.Querier
}

// NewPostgresBranchHistory returns a history backed by db.
func NewPostgresBranchHistory(db glsql.Querier) *PostgresBranchHistory {
	return &PostgresBranchHistory{db: db}
}

func scanCertificate(scan func(dest ...interface{}) error) (uuid.UUID, version.BirthCertificate, error) {
	var (
		id          uuid.UUID
		start       string
		end         sql.NullString
		initial     int64
		originBytes []byte
	)
	if err := scan(&id, &start, &end, &initial, &originBytes); err != nil {
		return uuid.Nil, version.BirthCertificate{}, err
	}

	var origin version.RangeMap
	if err := json.Unmarshal(originBytes, &origin); err != nil {
		return uuid.Nil, version.BirthCertificate{}, fmt.Errorf("decode origin of branch %s: %w", id, err)
	}

	r := region.From(start)
	if end.Valid {
		r = region.New(start, end.String)
	}

	return id, version.BirthCertificate{
		Region:           r,
		InitialTimestamp: timestamp.Timestamp(initial),
		Origin:           origin,
	}, nil
}

// Branch implements version.Reader.
func (h *PostgresBranchHistory) Branch(ctx context.Context, id uuid.UUID) (version.BirthCertificate, error) {
	row := h.db.QueryRowContext(ctx, `
SELECT branch_id, region_start, region_end, initial_timestamp, origin
FROM branches
WHERE branch_id = $1
`, id)

	_, cert, err := scanCertificate(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return version.BirthCertificate{}, version.MissingBranchError{Branch: id}
		}
		return version.BirthCertificate{}, fmt.Errorf("query branch: %w", err)
	}

	return cert, nil
}

// Branches implements version.Reader.
func (h *PostgresBranchHistory) Branches(ctx context.Context) (_ []uuid.UUID, returnedErr error) {
	rows, err := h.db.QueryContext(ctx, `SELECT branch_id FROM branches ORDER BY branch_id::text`)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ListedBranch is a branch together with its birth certificate.
type ListedBranch struct {
	ID          uuid.UUID
	Certificate version.BirthCertificate
}

// ListBranches returns every branch with its birth certificate ordered by
// creation time.
func (h *PostgresBranchHistory) ListBranches(ctx context.Context) (_ []ListedBranch, returnedErr error) {
	rows, err := h.db.QueryContext(ctx, `
SELECT branch_id, region_start, region_end, initial_timestamp, origin
FROM branches
ORDER BY created_at, branch_id::text
`)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	var branches []ListedBranch
	for rows.Next() {
		id, cert, err := scanCertificate(rows.Scan)
		if err != nil {
			return nil, err
		}
		branches = append(branches, ListedBranch{ID: id, Certificate: cert})
	}

	return branches, rows.Err()
}

func insertArgs(id uuid.UUID, cert version.BirthCertificate) ([]interface{}, error) {
	origin, err := json.Marshal(cert.Origin)
	if err != nil {
		return nil, fmt.Errorf("encode origin: %w", err)
	}

	end := sql.NullString{String: cert.Region.End, Valid: !cert.Region.Unbounded}
	return []interface{}{id, cert.Region.Start, end, int64(cert.InitialTimestamp), origin}, nil
}

// CreateBranch implements version.History.
func (h *PostgresBranchHistory) CreateBranch(ctx context.Context, id uuid.UUID, cert version.BirthCertificate) error {
	args, err := insertArgs(id, cert)
	if err != nil {
		return err
	}

	if _, err := h.db.ExecContext(ctx, `
INSERT INTO branches (branch_id, region_start, region_end, initial_timestamp, origin)
VALUES ($1, $2, $3, $4, $5)
`, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("branch %s already exists", id)
		}
		return fmt.Errorf("insert branch: %w", err)
	}

	return nil
}

// ImportBranches implements version.History.
func (h *PostgresBranchHistory) ImportBranches(ctx context.Context, snapshot version.Snapshot) error {
	for id, cert := range snapshot.Certificates {
		args, err := insertArgs(id, cert)
		if err != nil {
			return err
		}

		if _, err := h.db.ExecContext(ctx, `
INSERT INTO branches (branch_id, region_start, region_end, initial_timestamp, origin)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (branch_id) DO NOTHING
`, args...); err != nil {
			return fmt.Errorf("import branch %s: %w", id, err)
		}
	}

	return nil
}

// DeleteBranches implements version.History.
func (h *PostgresBranchHistory) DeleteBranches(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	encoded := make([]string, len(ids))
	for i, id := range ids {
		encoded[i] = id.String()
	}

	if _, err := h.db.ExecContext(ctx,
		`DELETE FROM branches WHERE branch_id = ANY($1::uuid[])`,
		pq.StringArray(encoded),
	); err != nil {
		return fmt.Errorf("delete branches: %w", err)
	}

	return nil
}

type advisoryLockFuncs struct {
	lock, unlock, xactLock string
}

var (
	sharedLock    = advisoryLockFuncs{"pg_advisory_lock_shared", "pg_advisory_unlock_shared", "pg_advisory_xact_lock_shared"}
	exclusiveLock = advisoryLockFuncs{"pg_advisory_lock", "pg_advisory_unlock", "pg_advisory_xact_lock"}
)

type connector interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// GuardCreation implements version.GCGuard.
func (h *PostgresBranchHistory) GuardCreation(ctx context.Context) (func(), error) {
	return h.advisoryLock(ctx, sharedLock)
}

// GuardCollection implements version.GCGuard.
func (h *PostgresBranchHistory) GuardCollection(ctx context.Context) (func(), error) {
	return h.advisoryLock(ctx, exclusiveLock)
}

func (h *PostgresBranchHistory) advisoryLock(ctx context.Context, funcs advisoryLockFuncs) (func(), error) {
	db, ok := h.db.(connector)
	if !ok {
		// Inside a transaction the lock is released when the transaction ends.
		if _, err := h.db.ExecContext(ctx, "SELECT "+funcs.xactLock+"($1)", advisorylock.BranchCreation); err != nil {
			return nil, fmt.Errorf("acquire advisory lock: %w", err)
		}
		return func() {}, nil
	}

	// Session locks belong to a connection, so lock and unlock must share one.
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT "+funcs.lock+"($1)", advisorylock.BranchCreation); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	return func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT "+funcs.unlock+"($1)", advisorylock.BranchCreation)
		_ = conn.Close()
	}, nil
}
