package accounts

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/server/migrations"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	goose.SetBaseFS(migrations.Migrations)
	require.NoError(t, goose.SetDialect("sqlite3"))
	require.NoError(t, goose.UpContext(context.Background(), db, "."))
	return db
}

func newRepoWithMock(t *testing.T) (*SQLiteRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewSQLiteRepository(db), mock, db
}

func TestCreate_PadsIDsAndStoresNulls(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{
		Identity:  "User@Example.com",
		AccountID: "123",
		LegacyID:  "42",
		Token:     "AT0:tok",
	}))

	got, err := r.GetByIdentity(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "User@Example.com", got.Identity)
	assert.Equal(t, "0000000000123", got.AccountID)
	assert.Len(t, got.LegacyID, common.LegacyIDWidth)
	assert.Equal(t, "AT0:tok", got.Token)
	assert.False(t, got.CreatedAt.IsZero())

	var deviceNull, codeNull bool
	require.NoError(t, db.QueryRow(
		`SELECT device_id IS NULL, access_code IS NULL FROM accounts WHERE external_identity = ?`, "user@example.com",
	).Scan(&deviceNull, &codeNull))
	assert.True(t, deviceNull)
	assert.True(t, codeNull)
}

func TestCreate_IdentityIsCaseInsensitiveUnique(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a@b.c"}))
	err := r.Create(ctx, &models.Account{Identity: "A@B.C"})
	require.ErrorIs(t, err, common.ErrorAlreadyExists)
}

func TestCreate_LegacyIDUniqueOnlyWhenSet(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "one"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "two"}))

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "three", LegacyID: "7"}))
	err := r.Create(ctx, &models.Account{Identity: "four", LegacyID: "0007"})
	require.ErrorIs(t, err, common.ErrorAlreadyExists)
}

func TestCreate_EmptyIdentityRejected(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	err := r.Create(context.Background(), &models.Account{Identity: "  "})
	require.ErrorIs(t, err, common.ErrorValidation)
}

func TestGetBy_NotFoundAndEmpty(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	_, err := r.GetByToken(ctx, "missing")
	require.ErrorIs(t, err, common.ErrorNotFound)

	_, err = r.GetByDeviceID(ctx, "")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetByAccountID_AcceptsUnpadded(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a", AccountID: "0000000000123"}))

	got, err := r.GetByAccountID(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Identity)

	ok, err := r.AccountIDExists(ctx, "123")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AccountIDExists(ctx, "124")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetBy_PrefersRegisteredThenNewest(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "user@example.com", DeviceID: "D1"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "anonymous_1", DeviceID: "D1"}))

	got, err := r.GetByDeviceID(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Identity)

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "anonymous_2", AnonymousUID: "5"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "anonymous_3", AnonymousUID: "5"}))

	got, err = r.GetByAnonymousUID(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "anonymous_3", got.Identity)
}

func TestUpdate_RoundTripAndNotFound(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	a := &models.Account{Identity: "a", DisplayName: "old", WorldPath: "1.land"}
	require.NoError(t, r.Create(ctx, a))

	a.DisplayName = "new"
	a.SessionKey = "sk"
	require.NoError(t, r.Update(ctx, a))

	got, err := r.GetByIdentity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "new", got.DisplayName)
	assert.Equal(t, "sk", got.SessionKey)
	assert.Equal(t, "1.land", got.WorldPath)

	err = r.Update(ctx, &models.Account{Identity: "ghost"})
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestUpdateDevice_MergesNonEmpty(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a", DeviceID: "D1", Model: "m1"}))
	require.NoError(t, r.UpdateDevice(ctx, "a", models.DeviceUpdate{Model: "m2", ClientIP: "10.0.0.1"}))

	got, err := r.GetByIdentity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "D1", got.DeviceID)
	assert.Equal(t, "m2", got.Model)
	assert.Equal(t, "10.0.0.1", got.ClientIP)

	require.ErrorIs(t, r.UpdateDevice(ctx, "ghost", models.DeviceUpdate{}), common.ErrorNotFound)
}

func TestUpdateTokenAndAccessCode(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a", Token: "t1"}))
	require.NoError(t, r.UpdateToken(ctx, "a", "t2"))
	require.NoError(t, r.UpdateAccessCode(ctx, "a", "c1"))

	got, err := r.GetByToken(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Identity)

	got, err = r.GetByAccessCode(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Identity)

	_, err = r.GetByToken(ctx, "t1")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestClearToken(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a", Token: "t", AccessCode: "c", LegacyID: "9", DeviceID: "D"}))
	require.NoError(t, r.ClearToken(ctx, "a"))

	got, err := r.GetByIdentity(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, got.Token)
	assert.Empty(t, got.AccessCode)
	assert.Empty(t, got.LegacyID)
	assert.Equal(t, "D", got.DeviceID)
}

func TestLatestIDs(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	id, err := r.LatestAccountID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a", AccountID: "5", LegacyID: "8"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "b", AccountID: "3"}))

	id, err = r.LatestAccountID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0000000000005", id, "highest id wins over the most recent row")

	legacy, err := r.LatestLegacyID(ctx)
	require.NoError(t, err)
	assert.Len(t, legacy, common.LegacyIDWidth)

	ok, err := r.LegacyIDExists(ctx, "8")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListRefs(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a", AccountID: "1", Token: "ta"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "b", AccountID: "2"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "c"}))

	ids, err := r.ListAccountIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	tokens, err := r.ListTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, models.AccountRef{Identity: "a", AccountID: "0000000000001", Token: "ta"}, tokens[0])
}

func TestListByClientIP(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a", ClientIP: "1.1.1.1"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "b", ClientIP: "1.1.1.1"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "c", ClientIP: "2.2.2.2"}))

	got, err := r.ListByClientIP(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = r.ListByClientIP(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteAnonymousDuplicates(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "anonymous_keep", Token: "T1", AccountID: "1"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "anonymous_dup_token", Token: "T1"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "anonymous_dup_id", AccountID: "1"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "user@example.com", AccountID: "1"}))
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "anonymous_other", Token: "T2"}))

	n, err := r.DeleteAnonymousDuplicates(ctx, "anonymous_keep", "T1", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	n, err = r.DeleteAnonymousDuplicates(ctx, "x", "", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDelete(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a"}))
	require.NoError(t, r.Delete(ctx, "A"))
	require.ErrorIs(t, r.Delete(ctx, "a"), common.ErrorNotFound)
}

func TestTimestampsUseClock(t *testing.T) {
	orig := now
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = orig })

	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, &models.Account{Identity: "a"}))

	got, err := r.GetByIdentity(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(fixed))
	assert.True(t, got.UpdatedAt.Equal(fixed))
}

func TestGetByToken_DBErrorWrapped(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM accounts WHERE token = \?`).
		WithArgs("tok").
		WillReturnError(errors.New("db down"))

	_, err := repo.GetByToken(context.Background(), "tok")
	if !errors.Is(err, common.ErrorStoreUnavailable) {
		t.Fatalf("want ErrorStoreUnavailable, got %v", err)
	}
	if !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestCreate_ExecErrorWrapped(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO accounts`).WillReturnError(errors.New("disk I/O error"))

	err := repo.Create(context.Background(), &models.Account{Identity: "a"})
	require.ErrorIs(t, err, common.ErrorStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateToken_RowsAffectedError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE accounts SET token = \?`).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("no rows info")))

	err := repo.UpdateToken(context.Background(), "a", "t")
	require.ErrorIs(t, err, common.ErrorStoreUnavailable)
}

func TestLatestAccountID_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT account_id FROM accounts`).WillReturnError(errors.New("locked"))

	_, err := repo.LatestAccountID(context.Background())
	require.ErrorIs(t, err, common.ErrorStoreUnavailable)
}
