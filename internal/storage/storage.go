package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite" // 純粋なGoのSQLiteドライバ

	"sip-registrar/internal/registry"
)

// ErrNotFound は、ユーザーが存在しない場合に返されます。
var ErrNotFound = errors.New("storage: user not found")

// SchemaVersion は、保存されるユーザーレコードの現在のスキーマバージョンです。
const SchemaVersion = 1

// User は、SIP認証用のユーザーアカウントと登録状態を表します。
type User struct {
	ID            int64
	SchemaVersion int
	Username      string
	Email         string
	Password      string // これはRFC 2617/2069に従ってHA1ハッシュを保存します
	Nonce         string // 最後に発行されたチャレンジ
	Bindings      []registry.Binding
}

// Storage は、アプリケーションのデータベース操作を処理します。
type Storage struct {
	db *sql.DB
}

// NewStorage は、新しいストレージサービスを初期化します。
// SQLiteデータベースへの接続を開き、必要なテーブルが存在することを確認します。
func NewStorage(dataSourceName string) (*Storage, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// SQLiteの書き込みは直列化されます。":memory:" も単一の接続でのみ共有されます。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("could not create tables: %w", err)
	}

	return &Storage{db: db}, nil
}

// createTables は、データベーススキーマを設定します。
func createTables(db *sql.DB) error {
	const usersTable = `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		schema_version INTEGER NOT NULL DEFAULT 1,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL,
		nonce TEXT NOT NULL DEFAULT ''
	);
	`
	const bindingsTable = `
	CREATE TABLE IF NOT EXISTS bindings (
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		binding_key TEXT NOT NULL,
		contact TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		transport TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, binding_key)
	);
	`
	if _, err := db.Exec(usersTable); err != nil {
		return fmt.Errorf("could not create users table: %w", err)
	}
	if _, err := db.Exec(bindingsTable); err != nil {
		return fmt.Errorf("could not create bindings table: %w", err)
	}
	return nil
}

// Close は、データベース接続を閉じます。
func (s *Storage) Close() error {
	return s.db.Close()
}

// AddUser は、新しいユーザーをデータベースに追加します。
func (s *Storage) AddUser(ctx context.Context, user *User) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users(schema_version, username, email, password, nonce) VALUES(?, ?, ?, ?, ?)",
		SchemaVersion, user.Username, user.Email, user.Password, user.Nonce)
	if err != nil {
		return fmt.Errorf("could not execute statement for adding user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("could not get last insert ID: %w", err)
	}
	user.ID = id
	user.SchemaVersion = SchemaVersion
	return nil
}

// GetUserByUsername は、ユーザー名でデータベースからユーザーとその登録を取得します。
// ユーザーが存在しない場合は ErrNotFound を返します。
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, schema_version, username, email, password, nonce FROM users WHERE username = ?", username,
	).Scan(&user.ID, &user.SchemaVersion, &user.Username, &user.Email, &user.Password, &user.Nonce)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("could not query user: %w", err)
	}

	bindings, err := s.bindings(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Bindings = bindings
	return user, nil
}

// GetAllUsers は、データベースからすべてのユーザーを取得します。登録は含まれません。
func (s *Storage) GetAllUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, schema_version, username, email, password, nonce FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("could not query all users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user := &User{}
		if err := rows.Scan(&user.ID, &user.SchemaVersion, &user.Username, &user.Email, &user.Password, &user.Nonce); err != nil {
			return nil, fmt.Errorf("could not scan user row: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}

	return users, nil
}

// SaveUser は、ユーザーのノンスと登録を1つのトランザクションで保存します。
func (s *Storage) SaveUser(ctx context.Context, user *User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE users SET schema_version = ?, email = ?, password = ?, nonce = ? WHERE username = ?",
		SchemaVersion, user.Email, user.Password, user.Nonce, user.Username)
	if err != nil {
		return fmt.Errorf("could not update user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %q: %w", user.Username, ErrNotFound)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", user.Username).Scan(&id); err != nil {
		return fmt.Errorf("could not query user id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM bindings WHERE user_id = ?", id); err != nil {
		return fmt.Errorf("could not clear bindings: %w", err)
	}
	for _, b := range user.Bindings {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO bindings(user_id, binding_key, contact, source, transport, expires_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?)",
			id, b.Key, b.Contact, b.Source, b.Transport, b.ExpiresAt.UnixMilli(), b.UpdatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("could not insert binding %s: %w", b.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	user.ID = id
	user.SchemaVersion = SchemaVersion
	return nil
}

// GetBindings は、ユーザー名に紐づく登録を取得します。
func (s *Storage) GetBindings(ctx context.Context, username string) ([]registry.Binding, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("could not query user: %w", err)
	}
	return s.bindings(ctx, id)
}

func (s *Storage) bindings(ctx context.Context, userID int64) ([]registry.Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT binding_key, contact, source, transport, expires_at, updated_at FROM bindings WHERE user_id = ? ORDER BY binding_key", userID)
	if err != nil {
		return nil, fmt.Errorf("could not query bindings: %w", err)
	}
	defer rows.Close()

	var out []registry.Binding
	for rows.Next() {
		var b registry.Binding
		var expires, updated int64
		if err := rows.Scan(&b.Key, &b.Contact, &b.Source, &b.Transport, &expires, &updated); err != nil {
			return nil, fmt.Errorf("could not scan binding row: %w", err)
		}
		b.ExpiresAt = time.UnixMilli(expires).UTC()
		b.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}
