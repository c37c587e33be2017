package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"foliogate.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store is the Postgres persistence layer. One *sql.DB serves both the
// authentication and the RBAC store interfaces so cross-cutting transactions
// (mutation + audit entry) share a connection pool.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects to Postgres through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle; tests inject sqlmock through here.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Users returns the identity sub-store.
func (s *Store) Users() auth.UserStore { return (*userStore)(s) }

// Sessions returns the refresh-token registry.
func (s *Store) Sessions() auth.SessionStore { return (*sessionStore)(s) }

// Audit returns the append-only audit trail.
func (s *Store) Audit() auth.AuditStore { return (*auditStore)(s) }

// withTx runs fn in a transaction; any error rolls everything back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// insertAudit appends the entry inside the caller's transaction. Audit
// failure fails the transaction: no mutation lands without its record.
func insertAudit(ctx context.Context, tx *sql.Tx, entry *auth.AuditEntry) error {
	if entry == nil {
		return nil
	}
	meta := []byte("{}")
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = raw
	}
	_, err := tx.ExecContext(ctx, `
		insert into audit_entries (id, occurred_at, actor_id, action, resource, resource_id, metadata)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.OccurredAt, nullable(entry.ActorID), entry.Action, entry.Resource, nullable(entry.ResourceID), meta)
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// users ----------------------------------------------------------------------

type userStore Store

func (s *userStore) Create(ctx context.Context, u *auth.User, entry *auth.AuditEntry) error {
	return (*Store)(s).withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into users (id, email, password_hash, first_name, last_name, is_active, is_verified, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.IsActive, u.IsVerified, u.CreatedAt, u.UpdatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return auth.ErrConflict
			}
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

const userColumns = `id, email, password_hash, first_name, last_name, is_active, is_verified, created_at, updated_at`

func scanUser(row *sql.Row) (*auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.IsActive, &u.IsVerified, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email) = lower($1)`, email))
}

func (s *userStore) UpdateProfile(ctx context.Context, u *auth.User, entry *auth.AuditEntry) error {
	return (*Store)(s).withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update users
			set first_name = $2, last_name = $3, is_verified = $4, updated_at = $5
			where id = $1
		`, u.ID, u.FirstName, u.LastName, u.IsVerified, u.UpdatedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string, entry *auth.AuditEntry) error {
	return (*Store)(s).withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update users set password_hash = $2, updated_at = now() where id = $1
		`, userID, passwordHash)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *userStore) Deactivate(ctx context.Context, userID string, entry *auth.AuditEntry) error {
	return (*Store)(s).withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update users set is_active = false, updated_at = now() where id = $1
		`, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return auth.ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

// sessions -------------------------------------------------------------------

type sessionStore Store

func (s *sessionStore) Create(ctx context.Context, sess *auth.Session, entry *auth.AuditEntry) error {
	return (*Store)(s).withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into sessions (id, user_id, token_hash, user_agent, ip, expires_at, created_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, sess.ID, sess.UserID, sess.TokenHash, sess.UserAgent, sess.IP, sess.ExpiresAt, sess.CreatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok {
				switch pgErr.Code {
				case pgErrUniqueViolation:
					return auth.ErrConflict
				case pgErrForeignKeyViolation:
					return auth.ErrNotFound
				}
			}
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *sessionStore) Find(ctx context.Context, id string) (*auth.Session, error) {
	var (
		sess       auth.Session
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, user_agent, ip, expires_at, revoked_at, replaced_by_id, created_at
		from sessions where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.UserAgent, &sess.IP,
		&sess.ExpiresAt, &revokedAt, &replacedBy, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	if replacedBy.Valid {
		sess.ReplacedByID = replacedBy.String
	}
	return &sess, nil
}

// Claim is the rotation arbiter: the conditional update succeeds for exactly
// one of any number of concurrent presenters of the same refresh token.
func (s *sessionStore) Claim(ctx context.Context, id, replacedByID string, at time.Time, entry *auth.AuditEntry) (bool, error) {
	claimed := false
	err := (*Store)(s).withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update sessions
			set revoked_at = $2, replaced_by_id = $3
			where id = $1 and revoked_at is null
		`, id, at, nullable(replacedByID))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		claimed = true
		return insertAudit(ctx, tx, entry)
	})
	return claimed, err
}

func (s *sessionStore) Revoke(ctx context.Context, id string, at time.Time, entry *auth.AuditEntry) error {
	return (*Store)(s).withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update sessions set revoked_at = $2 where id = $1 and revoked_at is null
		`, id, at)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// already revoked or unknown; logout is idempotent
			return nil
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *sessionStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time, entry *auth.AuditEntry) (int, error) {
	var count int
	err := (*Store)(s).withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update sessions set revoked_at = $2 where user_id = $1 and revoked_at is null
		`, userID, at)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)
		return insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *sessionStore) ListActive(ctx context.Context, userID string, now time.Time) ([]*auth.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, token_hash, user_agent, ip, expires_at, created_at
		from sessions
		where user_id = $1 and revoked_at is null and expires_at > $2
		order by created_at desc
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Session
	for rows.Next() {
		var sess auth.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.UserAgent,
			&sess.IP, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// audit ----------------------------------------------------------------------

type auditStore Store

func (s *auditStore) Append(ctx context.Context, entry *auth.AuditEntry) error {
	return (*Store)(s).withTx(ctx, func(tx *sql.Tx) error {
		return insertAudit(ctx, tx, entry)
	})
}

func (s *auditStore) List(ctx context.Context, f auth.AuditFilter) ([]*auth.AuditEntry, error) {
	query := `
		select id, occurred_at, actor_id, action, resource, resource_id, metadata
		from audit_entries
		where 1=1`
	args := []any{}
	if f.ActorID != "" {
		args = append(args, f.ActorID)
		query += fmt.Sprintf(" and actor_id = $%d", len(args))
	}
	if f.Resource != "" {
		args = append(args, f.Resource)
		query += fmt.Sprintf(" and resource = $%d", len(args))
	}
	if f.ResourceID != "" {
		args = append(args, f.ResourceID)
		query += fmt.Sprintf(" and resource_id = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" order by occurred_at desc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.AuditEntry
	for rows.Next() {
		var (
			entry      auth.AuditEntry
			actorID    sql.NullString
			resourceID sql.NullString
			meta       []byte
		)
		if err := rows.Scan(&entry.ID, &entry.OccurredAt, &actorID, &entry.Action,
			&entry.Resource, &resourceID, &meta); err != nil {
			return nil, err
		}
		entry.ActorID = actorID.String
		entry.ResourceID = resourceID.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}
