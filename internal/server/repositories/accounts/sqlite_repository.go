package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/dbx"
	"github.com/dmitrijs2005/nucleus/internal/server/models"
	"github.com/dmitrijs2005/nucleus/internal/shared"
)

var columnNames = []string{
	"external_identity", "account_id", "legacy_id", "token", "access_code",
	"credential", "display_name", "world_name", "world_path", "device_id",
	"platform_vendor_id", "advertising_id", "platform_id", "client_ip", "combined_id",
	"manufacturer", "model", "session_key", "world_token", "long_lived_token",
	"anonymous_uid", "anonymous_session_id",
}

var (
	selectColumns = strings.Join(columnNames, ", ") + ", created_at, updated_at"

	insertQuery = `INSERT INTO accounts (` + selectColumns + `) VALUES (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(columnNames)+2), ", ") + `)`

	updateQuery = `UPDATE accounts SET ` + strings.Join(columnNames[1:], " = ?, ") +
		` = ?, updated_at = ? WHERE external_identity = ?`
)

// Registered rows first, then the most recently inserted.
const preferRegistered = ` ORDER BY CASE WHEN lower(substr(external_identity, 1, 10)) = 'anonymous_' THEN 1 ELSE 0 END, rowid DESC`

// now is a seam for tests that pin timestamps.
var now = time.Now

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func dbError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrorNotFound
	}
	if strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("db error: %w: %w", common.ErrorAlreadyExists, err)
	}
	return fmt.Errorf("db error: %w: %w", common.ErrorStoreUnavailable, err)
}

// fields lists the string columns of a in columnNames order.
func fields(a *models.Account) []*string {
	return []*string{
		&a.Identity, &a.AccountID, &a.LegacyID, &a.Token, &a.AccessCode,
		&a.Credential, &a.DisplayName, &a.WorldName, &a.WorldPath, &a.DeviceID,
		&a.PlatformVendorID, &a.AdvertisingID, &a.PlatformID, &a.ClientIP, &a.CombinedID,
		&a.Manufacturer, &a.Model, &a.SessionKey, &a.WorldToken, &a.LongLivedToken,
		&a.AnonymousUID, &a.AnonymousSessionID,
	}
}

func normalizeIDs(a *models.Account) {
	a.AccountID = shared.PadDigits(a.AccountID, common.AccountIDWidth)
	a.LegacyID = shared.PadDigits(a.LegacyID, common.LegacyIDWidth)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	a := &models.Account{}
	ptrs := fields(a)

	values := make([]sql.NullString, len(ptrs))
	dest := make([]any, 0, len(ptrs)+2)
	for i := range values {
		dest = append(dest, &values[i])
	}
	var created, updated int64
	dest = append(dest, &created, &updated)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	for i, p := range ptrs {
		*p = values[i].String
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, account *models.Account) error {
	if strings.TrimSpace(account.Identity) == "" {
		return fmt.Errorf("%w: empty identity", common.ErrorValidation)
	}
	normalizeIDs(account)

	ts := now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = ts
	}
	account.UpdatedAt = ts

	args := make([]any, 0, len(columnNames)+2)
	for _, p := range fields(account) {
		args = append(args, nullable(*p))
	}
	args = append(args, toMillis(account.CreatedAt), toMillis(account.UpdatedAt))

	if _, err := r.db.ExecContext(ctx, insertQuery, args...); err != nil {
		return dbError(err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, account *models.Account) error {
	normalizeIDs(account)
	account.UpdatedAt = now()

	ptrs := fields(account)
	args := make([]any, 0, len(ptrs)+1)
	for _, p := range ptrs[1:] {
		args = append(args, nullable(*p))
	}
	args = append(args, toMillis(account.UpdatedAt), account.Identity)

	res, err := r.db.ExecContext(ctx, updateQuery, args...)
	return r.affected(res, err)
}

func (r *SQLiteRepository) Delete(ctx context.Context, identity string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE external_identity = ?`, identity)
	return r.affected(res, err)
}

func (r *SQLiteRepository) affected(res sql.Result, err error) error {
	if err != nil {
		return dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *SQLiteRepository) getBy(ctx context.Context, column, value string) (*models.Account, error) {
	if value == "" {
		return nil, common.ErrorNotFound
	}
	query := `SELECT ` + selectColumns + ` FROM accounts WHERE ` + column + ` = ?` + preferRegistered + ` LIMIT 1`

	a, err := scanAccount(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		return nil, dbError(err)
	}
	return a, nil
}

func (r *SQLiteRepository) GetByIdentity(ctx context.Context, identity string) (*models.Account, error) {
	return r.getBy(ctx, "external_identity", identity)
}

func (r *SQLiteRepository) GetByToken(ctx context.Context, token string) (*models.Account, error) {
	return r.getBy(ctx, "token", token)
}

func (r *SQLiteRepository) GetByAccountID(ctx context.Context, accountID string) (*models.Account, error) {
	return r.getBy(ctx, "account_id", shared.PadDigits(accountID, common.AccountIDWidth))
}

func (r *SQLiteRepository) GetByLegacyID(ctx context.Context, legacyID string) (*models.Account, error) {
	return r.getBy(ctx, "legacy_id", shared.PadDigits(legacyID, common.LegacyIDWidth))
}

func (r *SQLiteRepository) GetByAccessCode(ctx context.Context, code string) (*models.Account, error) {
	return r.getBy(ctx, "access_code", code)
}

func (r *SQLiteRepository) GetByDeviceID(ctx context.Context, deviceID string) (*models.Account, error) {
	return r.getBy(ctx, "device_id", deviceID)
}

func (r *SQLiteRepository) GetByAnonymousUID(ctx context.Context, uid string) (*models.Account, error) {
	return r.getBy(ctx, "anonymous_uid", uid)
}

func (r *SQLiteRepository) GetByAnonymousSessionID(ctx context.Context, sessionID string) (*models.Account, error) {
	return r.getBy(ctx, "anonymous_session_id", sessionID)
}

func (r *SQLiteRepository) ListByClientIP(ctx context.Context, ip string) ([]*models.Account, error) {
	if ip == "" {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM accounts WHERE client_ip = ?`+preferRegistered, ip)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, dbError(err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return out, nil
}

func (r *SQLiteRepository) UpdateToken(ctx context.Context, identity, token string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET token = ?, updated_at = ? WHERE external_identity = ?`,
		nullable(token), toMillis(now()), identity)
	return r.affected(res, err)
}

func (r *SQLiteRepository) UpdateAccessCode(ctx context.Context, identity, code string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET access_code = ?, updated_at = ? WHERE external_identity = ?`,
		nullable(code), toMillis(now()), identity)
	return r.affected(res, err)
}

func (r *SQLiteRepository) UpdateDevice(ctx context.Context, identity string, u models.DeviceUpdate) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET
		   device_id = COALESCE(NULLIF(?, ''), device_id),
		   platform_vendor_id = COALESCE(NULLIF(?, ''), platform_vendor_id),
		   advertising_id = COALESCE(NULLIF(?, ''), advertising_id),
		   platform_id = COALESCE(NULLIF(?, ''), platform_id),
		   client_ip = COALESCE(NULLIF(?, ''), client_ip),
		   combined_id = COALESCE(NULLIF(?, ''), combined_id),
		   manufacturer = COALESCE(NULLIF(?, ''), manufacturer),
		   model = COALESCE(NULLIF(?, ''), model),
		   anonymous_uid = COALESCE(NULLIF(?, ''), anonymous_uid),
		   anonymous_session_id = COALESCE(NULLIF(?, ''), anonymous_session_id),
		   updated_at = ?
		 WHERE external_identity = ?`,
		u.DeviceID, u.PlatformVendorID, u.AdvertisingID, u.PlatformID, u.ClientIP,
		u.CombinedID, u.Manufacturer, u.Model, u.AnonymousUID, u.AnonymousSessionID,
		toMillis(now()), identity)
	return r.affected(res, err)
}

// ClearToken drops the token, access code and legacy id of identity so they
// can be bound to another row without tripping uniqueness.
func (r *SQLiteRepository) ClearToken(ctx context.Context, identity string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET token = NULL, access_code = NULL, legacy_id = NULL, updated_at = ? WHERE external_identity = ?`,
		toMillis(now()), identity)
	return r.affected(res, err)
}

func (r *SQLiteRepository) listRefs(ctx context.Context, where string) ([]models.AccountRef, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT external_identity, COALESCE(account_id, ''), COALESCE(token, '') FROM accounts WHERE `+where+preferRegistered)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	var out []models.AccountRef
	for rows.Next() {
		var ref models.AccountRef
		if err := rows.Scan(&ref.Identity, &ref.AccountID, &ref.Token); err != nil {
			return nil, dbError(err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return out, nil
}

func (r *SQLiteRepository) ListAccountIDs(ctx context.Context) ([]models.AccountRef, error) {
	return r.listRefs(ctx, `account_id IS NOT NULL AND account_id <> ''`)
}

func (r *SQLiteRepository) ListTokens(ctx context.Context) ([]models.AccountRef, error) {
	return r.listRefs(ctx, `token IS NOT NULL AND token <> ''`)
}

// latest returns the highest stored value of column. Ids are zero-padded to a
// fixed width on write, so text order is numeric order.
func (r *SQLiteRepository) latest(ctx context.Context, column string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM accounts WHERE `+column+` IS NOT NULL AND `+column+` <> '' ORDER BY `+column+` DESC LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", dbError(err)
	}
	return v, nil
}

// LatestAccountID returns the highest stored account id, or "" for an empty
// table. Insertion order is not used: a claim re-inserts an old account.
func (r *SQLiteRepository) LatestAccountID(ctx context.Context) (string, error) {
	return r.latest(ctx, "account_id")
}

func (r *SQLiteRepository) LatestLegacyID(ctx context.Context) (string, error) {
	return r.latest(ctx, "legacy_id")
}

func (r *SQLiteRepository) exists(ctx context.Context, column, value string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE `+column+` = ?)`, value).Scan(&ok)
	if err != nil {
		return false, dbError(err)
	}
	return ok, nil
}

func (r *SQLiteRepository) AccountIDExists(ctx context.Context, accountID string) (bool, error) {
	return r.exists(ctx, "account_id", shared.PadDigits(accountID, common.AccountIDWidth))
}

func (r *SQLiteRepository) LegacyIDExists(ctx context.Context, legacyID string) (bool, error) {
	return r.exists(ctx, "legacy_id", shared.PadDigits(legacyID, common.LegacyIDWidth))
}

func (r *SQLiteRepository) AnonymousUIDExists(ctx context.Context, uid string) (bool, error) {
	return r.exists(ctx, "anonymous_uid", uid)
}

// DeleteAnonymousDuplicates removes anonymous rows other than keepIdentity
// that share token or accountID. Empty values never match.
func (r *SQLiteRepository) DeleteAnonymousDuplicates(ctx context.Context, keepIdentity, token, accountID string) (int64, error) {
	if token == "" && accountID == "" {
		return 0, nil
	}
	accountID = shared.PadDigits(accountID, common.AccountIDWidth)

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts
		 WHERE external_identity <> ?
		   AND lower(substr(external_identity, 1, 10)) = 'anonymous_'
		   AND ((? <> '' AND token = ?) OR (? <> '' AND account_id = ?))`,
		keepIdentity, token, token, accountID, accountID)
	if err != nil {
		return 0, dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError(err)
	}
	return n, nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, dbError(err)
	}
	return n, nil
}
