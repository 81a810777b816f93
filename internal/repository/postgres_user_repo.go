package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/profrate/internal/model"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const pgSelectUser = `SELECT id, provider_subject_id, email, first_name, affiliation, role, created_at FROM users`

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, pgSelectUser+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByProviderSubjectID は外部IdPのsubject IDでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByProviderSubjectID(ctx context.Context, subjectID string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, pgSelectUser+` WHERE provider_subject_id = $1`, subjectID))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by provider subject ID: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。
// 一意制約違反の場合はmodel.ErrDuplicateSubjectを返す。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, provider_subject_id, email, first_name, affiliation, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.ProviderSubjectID, user.Email, user.FirstName, user.Affiliation, user.Role, user.CreatedAt,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return model.ErrDuplicateSubject
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser はPostgreSQLの行をUserに変換する。行がない場合はnil, nilを返す。
func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(&user.ID, &user.ProviderSubjectID, &user.Email, &user.FirstName, &user.Affiliation, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
