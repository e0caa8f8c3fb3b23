package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Needs to be imported for Postgres driver

	"github.com/hris-platform/identity-sync/internal/config"
	"github.com/hris-platform/identity-sync/internal/status"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultSSLMode         = "require"
	defaultConnectTimeout  = 10 * time.Second
)

// postgresStore implements UserStore on top of the HR platform users table
type postgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool from the provided configuration
// and returns a Postgres-backed user store.
func NewPostgresStore(cfg *config.DatabaseConfig) (UserStore, *sql.DB, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("database configuration is required")
	}

	if cfg.Host == "" {
		return nil, nil, fmt.Errorf("database host is required")
	}
	if cfg.Port == 0 {
		return nil, nil, fmt.Errorf("database port is required")
	}
	if cfg.User == "" {
		return nil, nil, fmt.Errorf("database user is required")
	}
	if cfg.Database == "" {
		return nil, nil, fmt.Errorf("database name is required")
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	maxOpenConns := cfg.MaxOpenConns
	if maxOpenConns == 0 {
		maxOpenConns = defaultMaxOpenConns
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = defaultMaxIdleConns
	}

	connMaxLifetime := defaultConnMaxLifetime
	if cfg.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid connection max lifetime: %w", err)
		}
		connMaxLifetime = duration
	}

	password, err := cfg.GetPassword()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get database password: %w", err)
	}

	// Note: password is not URL-escaped here because the pgx driver handles it directly
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host,
		cfg.Port,
		cfg.User,
		password,
		cfg.Database,
		sslMode,
		int(defaultConnectTimeout.Seconds()),
	)

	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	sqlDB.SetMaxOpenConns(int(maxOpenConns))
	sqlDB.SetMaxIdleConns(int(maxIdleConns))
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			slog.Error("Failed to close database connection after ping failure", "error", closeErr)
		}
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connection established",
		"user", cfg.User, "host", cfg.Host, "port", cfg.Port, "database", cfg.Database)

	return &postgresStore{db: sqlDB}, sqlDB, nil
}

const userColumns = `id, email, first_name, last_name, job_title, department,
	employee_id, office_location, phone_number, active,
	sync_state, remote_object_id, sync_enabled, last_error, last_sync, next_retry,
	pending_operation, attempt_count`

func (p *postgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *postgresStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *postgresStore) ListUserIDsByState(ctx context.Context, state status.SyncState) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM users WHERE sync_state = $1 ORDER BY id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list users by state: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *postgresStore) CountByState(ctx context.Context) (map[status.SyncState]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT sync_state, COUNT(*) FROM users GROUP BY sync_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count users by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[status.SyncState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[status.SyncState(state)] = count
	}
	return counts, rows.Err()
}

func (p *postgresStore) UpdateSyncRecord(ctx context.Context, id string, rec status.SyncRecord) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE users SET
			sync_state = $2, remote_object_id = $3, sync_enabled = $4,
			last_error = $5, last_sync = $6, next_retry = $7,
			pending_operation = $8, attempt_count = $9
		WHERE id = $1`,
		id, string(rec.State), nullString(rec.RemoteObjectID), rec.SyncEnabled,
		nullString(rec.LastError), rec.LastSync, rec.NextRetry,
		nullString(rec.PendingOperation), rec.AttemptCount)
	if err != nil {
		return fmt.Errorf("failed to update sync record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *postgresStore) UpdateSyncRecordAtomically(
	ctx context.Context, id string, fn func(rec *status.SyncRecord) bool,
) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT sync_state, remote_object_id, sync_enabled, last_error, last_sync, next_retry,
			pending_operation, attempt_count
		FROM users WHERE id = $1 FOR UPDATE`, id)

	var rec status.SyncRecord
	var state string
	var remoteID, lastError, pendingOp sql.NullString
	if err := row.Scan(&state, &remoteID, &rec.SyncEnabled, &lastError, &rec.LastSync, &rec.NextRetry, &pendingOp, &rec.AttemptCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, err
	}
	rec.State = status.SyncState(state)
	rec.RemoteObjectID = remoteID.String
	rec.LastError = lastError.String
	rec.PendingOperation = pendingOp.String

	if !fn(&rec) {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET
			sync_state = $2, remote_object_id = $3, sync_enabled = $4,
			last_error = $5, last_sync = $6, next_retry = $7,
			pending_operation = $8, attempt_count = $9
		WHERE id = $1`,
		id, string(rec.State), nullString(rec.RemoteObjectID), rec.SyncEnabled,
		nullString(rec.LastError), rec.LastSync, rec.NextRetry,
		nullString(rec.PendingOperation), rec.AttemptCount)
	if err != nil {
		return false, fmt.Errorf("failed to update sync record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	var u User
	var state string
	var department, employeeID, officeLocation, phoneNumber sql.NullString
	var remoteID, lastError, pendingOp sql.NullString

	err := row.Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.JobTitle, &department,
		&employeeID, &officeLocation, &phoneNumber, &u.Active,
		&state, &remoteID, &u.Sync.SyncEnabled, &lastError, &u.Sync.LastSync,
		&u.Sync.NextRetry, &pendingOp, &u.Sync.AttemptCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user row: %w", err)
	}

	u.Department = department.String
	u.EmployeeID = employeeID.String
	u.OfficeLocation = officeLocation.String
	u.PhoneNumber = phoneNumber.String
	u.Sync.State = status.SyncState(state)
	u.Sync.RemoteObjectID = remoteID.String
	u.Sync.LastError = lastError.String
	u.Sync.PendingOperation = pendingOp.String

	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
