package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"foliogate.org/internal/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	now := time.Now().UTC()
	err := store.Users().Create(context.Background(), &auth.User{
		ID: "u1", Email: "a@b.c", PasswordHash: "h", IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}, nil)
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectMet(t, mock)
}

func TestUserCreateWritesAuditInSameTx(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into users").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	now := time.Now().UTC()
	entry := &auth.AuditEntry{ID: "e1", OccurredAt: now, Action: "auth.user.register", Resource: "user", ResourceID: "u1"}
	err := store.Users().Create(context.Background(), &auth.User{
		ID: "u1", Email: "a@b.c", PasswordHash: "h", IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}, entry)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	expectMet(t, mock)
}

func TestUserCreateRollsBackWhenAuditFails(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into users").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_entries").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	now := time.Now().UTC()
	entry := &auth.AuditEntry{ID: "e1", OccurredAt: now, Action: "auth.user.register", Resource: "user"}
	err := store.Users().Create(context.Background(), &auth.User{
		ID: "u1", Email: "a@b.c", PasswordHash: "h",
		CreatedAt: now, UpdatedAt: now,
	}, entry)
	if err == nil {
		t.Fatal("expected the audit failure to surface")
	}
	expectMet(t, mock)
}

func TestSessionClaimWinsAndLoses(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()
	entry := &auth.AuditEntry{ID: "e1", OccurredAt: at, Action: "auth.session.rotate", Resource: "session"}

	// winner: the conditional update touches one row
	mock.ExpectBegin()
	mock.ExpectExec("update sessions").
		WithArgs("s1", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.Sessions().Claim(context.Background(), "s1", "s2", at, entry)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed {
		t.Fatal("expected the claim to win")
	}

	// loser: zero rows, no audit entry, still a clean commit
	mock.ExpectBegin()
	mock.ExpectExec("update sessions").
		WithArgs("s1", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	claimed, err = store.Sessions().Claim(context.Background(), "s1", "s3", at, entry)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim must lose")
	}
	expectMet(t, mock)
}

func TestRevokeAllForUserReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update sessions").
		WithArgs("u1", at).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry := &auth.AuditEntry{ID: "e1", OccurredAt: at, Action: "auth.session.logout_all", Resource: "user"}
	n, err := store.Sessions().RevokeAllForUser(context.Background(), "u1", at, entry)
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revoked, got %d", n)
	}
	expectMet(t, mock)
}

func TestSessionFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, user_id, token_hash").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Sessions().Find(context.Background(), "missing")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}
