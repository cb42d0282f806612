package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"aniyuu/internal/domain/models"
	"aniyuu/internal/storage"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// sqlite serializes writers anyway; a single connection turns lock
	// contention into queueing instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return &Storage{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Storage) Migrate() error {
	const op = "storage.sqlite.Migrate"

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("%s: source: %w", op, err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("%s: driver: %w", op, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: up: %w", op, err)
	}

	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, user models.User) (string, error) {
	const op = "storage.sqlite.SaveUser"

	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, full_name, username, email, pass_hash, is_active, is_banned, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.FullName, user.Username, user.Email, user.PassHash,
		user.IsActive, user.IsBanned, user.IsDeleted,
		user.CreatedAt.UnixNano(), user.UpdatedAt.UnixNano(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return "", fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	for _, role := range user.Roles {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO user_roles (user_id, role) VALUES (?, ?)", user.ID, role); err != nil {
			return "", fmt.Errorf("%s: role: %w", op, err)
		}
	}

	for _, device := range user.Devices {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO user_devices (user_id, device_id) VALUES (?, ?)", user.ID, device); err != nil {
			return "", fmt.Errorf("%s: device: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return user.ID, nil
}

const userColumns = "id, full_name, username, email, pass_hash, is_active, is_banned, is_deleted, created_at, updated_at"

func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.sqlite.UserByEmail"

	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ? AND is_deleted = FALSE", email)

	user, err := s.scanUser(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.sqlite.UserByID"

	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", userID)

	user, err := s.scanUser(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) scanUser(ctx context.Context, row *sql.Row) (*models.User, error) {
	var (
		user               models.User
		createdAt, updated int64
	)

	err := row.Scan(
		&user.ID, &user.FullName, &user.Username, &user.Email, &user.PassHash,
		&user.IsActive, &user.IsBanned, &user.IsDeleted, &createdAt, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}

	user.CreatedAt = time.Unix(0, createdAt).UTC()
	user.UpdatedAt = time.Unix(0, updated).UTC()

	if user.Roles, err = s.column(ctx, "SELECT role FROM user_roles WHERE user_id = ? ORDER BY role", user.ID); err != nil {
		return nil, err
	}
	if user.Devices, err = s.column(ctx, "SELECT device_id FROM user_devices WHERE user_id = ? ORDER BY device_id", user.ID); err != nil {
		return nil, err
	}

	return &user, nil
}

func (s *Storage) column(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	return values, rows.Err()
}

// AddUserDevice records deviceID for the user; adding a known device is a no-op.
func (s *Storage) AddUserDevice(ctx context.Context, userID, deviceID string) error {
	const op = "storage.sqlite.AddUserDevice"

	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO user_devices (user_id, device_id) VALUES (?, ?)", userID, deviceID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) ActivateUser(ctx context.Context, userID string) error {
	const op = "storage.sqlite.ActivateUser"

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_active = TRUE, updated_at = ? WHERE id = ?",
		time.Now().UnixNano(), userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return nil
}

// SaveRefreshToken always inserts; an existing token hash is an error.
func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.sqlite.SaveRefreshToken"

	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, device_id, ip, created_at, expires_at, used, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx,
		token.TokenHash, token.UserID, token.DeviceID, token.IP,
		token.CreatedAt.UnixNano(), token.ExpiresAt.UnixNano(),
		token.Used, token.Revoked,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

const refreshTokenColumns = "token_hash, user_id, device_id, ip, created_at, expires_at, used_at, used, revoked"

// ValidRefreshToken returns the token only if it matches the device and is
// unused, unrevoked and unexpired at now.
func (s *Storage) ValidRefreshToken(ctx context.Context, tokenHash, deviceID string, now time.Time) (*models.RefreshToken, error) {
	const op = "storage.sqlite.ValidRefreshToken"

	row := s.db.QueryRowContext(ctx, "SELECT "+refreshTokenColumns+` FROM refresh_tokens
		WHERE token_hash = ? AND device_id = ? AND used = FALSE AND revoked = FALSE AND expires_at > ?`,
		tokenHash, deviceID, now.UnixNano(),
	)

	rt, err := scanRefreshToken(row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return rt, nil
}

// RefreshToken returns the record regardless of its state.
func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshToken"

	row := s.db.QueryRowContext(ctx, "SELECT "+refreshTokenColumns+" FROM refresh_tokens WHERE token_hash = ?", tokenHash)

	rt, err := scanRefreshToken(row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return rt, nil
}

func scanRefreshToken(row *sql.Row) (*models.RefreshToken, error) {
	var (
		rt                           models.RefreshToken
		createdAt, expiresAt, usedAt int64
	)

	err := row.Scan(&rt.TokenHash, &rt.UserID, &rt.DeviceID, &rt.IP, &createdAt, &expiresAt, &usedAt, &rt.Used, &rt.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, err
	}

	rt.CreatedAt = time.Unix(0, createdAt).UTC()
	rt.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if usedAt != 0 {
		rt.UsedAt = time.Unix(0, usedAt).UTC()
	}

	return &rt, nil
}

// MarkRefreshTokenUsed flips used and stamps used_at only if the token is
// still valid. The check and the write are one statement, so concurrent
// callers cannot both succeed.
func (s *Storage) MarkRefreshTokenUsed(ctx context.Context, tokenHash string, now time.Time) error {
	const op = "storage.sqlite.MarkRefreshTokenUsed"

	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET used = TRUE, used_at = ?
		WHERE token_hash = ? AND used = FALSE AND revoked = FALSE AND expires_at > ?`,
		now.UnixNano(), tokenHash, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrRefreshTokenNotFound)
	}

	return nil
}

// RevokeDeviceRefreshTokens revokes every unrevoked token of the user on the
// device and returns how many were changed.
func (s *Storage) RevokeDeviceRefreshTokens(ctx context.Context, userID, deviceID string) (int64, error) {
	const op = "storage.sqlite.RevokeDeviceRefreshTokens"

	res, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = ? AND device_id = ? AND revoked = FALSE",
		userID, deviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

func (s *Storage) SaveActivationCode(ctx context.Context, code models.ActivationCode) error {
	const op = "storage.sqlite.SaveActivationCode"

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO activation_codes (code, user_id, expires_at, expired) VALUES (?, ?, ?, ?)",
		code.Code, code.UserID, code.ExpiresAt.UnixNano(), code.Expired,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ActivationCode returns an outstanding, unexpired code.
func (s *Storage) ActivationCode(ctx context.Context, code int, now time.Time) (*models.ActivationCode, error) {
	const op = "storage.sqlite.ActivationCode"

	var (
		ac        models.ActivationCode
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT code, user_id, expires_at, expired FROM activation_codes
		WHERE code = ? AND expired = FALSE AND expires_at > ?
		ORDER BY id DESC LIMIT 1`,
		code, now.UnixNano(),
	).Scan(&ac.Code, &ac.UserID, &expiresAt, &ac.Expired)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrActivationCodeNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ac.ExpiresAt = time.Unix(0, expiresAt).UTC()

	return &ac, nil
}

func (s *Storage) ExpireActivationCodes(ctx context.Context, userID string) error {
	const op = "storage.sqlite.ExpireActivationCodes"

	_, err := s.db.ExecContext(ctx, "UPDATE activation_codes SET expired = TRUE WHERE user_id = ? AND expired = FALSE", userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) SaveRequestLog(ctx context.Context, entry models.RequestLog) error {
	const op = "storage.sqlite.SaveRequestLog"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (created_at, method, path, status_code, user_id, ip, device_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.CreatedAt.UnixNano(), entry.Method, entry.Path, entry.StatusCode,
		entry.UserID, entry.IP, entry.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RequestLogCount reports how many requests have been audited.
func (s *Storage) RequestLogCount(ctx context.Context) (int64, error) {
	const op = "storage.sqlite.RequestLogCount"

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_logs").Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}
