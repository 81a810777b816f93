package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/hitoshi/profrate/internal/model"
)

// SQLiteUserRepo はSQLiteを使用したユーザーリポジトリ。
// 日時はUnixミリ秒のINTEGERで保存する。
type SQLiteUserRepo struct {
	db *sql.DB
}

// NewSQLiteUserRepo はSQLiteUserRepoを生成する。
func NewSQLiteUserRepo(db *sql.DB) *SQLiteUserRepo {
	return &SQLiteUserRepo{db: db}
}

const sqliteSelectUser = `SELECT id, provider_subject_id, email, first_name, affiliation, role, created_at FROM users`

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanSQLiteUser(r.db.QueryRowContext(ctx, sqliteSelectUser+` WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByProviderSubjectID は外部IdPのsubject IDでユーザーを検索する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByProviderSubjectID(ctx context.Context, subjectID string) (*model.User, error) {
	user, err := scanSQLiteUser(r.db.QueryRowContext(ctx, sqliteSelectUser+` WHERE provider_subject_id = ?`, subjectID))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by provider subject ID: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。
// 一意制約違反の場合はmodel.ErrDuplicateSubjectを返す。
func (r *SQLiteUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, provider_subject_id, email, first_name, affiliation, role, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.ProviderSubjectID, user.Email, user.FirstName, user.Affiliation, user.Role, toMillis(user.CreatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return model.ErrDuplicateSubject
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func scanSQLiteUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	var createdAt int64
	err := row.Scan(&user.ID, &user.ProviderSubjectID, &user.Email, &user.FirstName, &user.Affiliation, &user.Role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// compile-time interface check
var _ UserRepository = (*SQLiteUserRepo)(nil)
