// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/profrate/internal/model"
)

// UserRepository はユーザーレコードの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByProviderSubjectID は外部IdPのsubject IDでユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderSubjectID(ctx context.Context, subjectID string) (*model.User, error)

	// Create はユーザーを作成する。
	// provider_subject_idが既に存在する場合はmodel.ErrDuplicateSubjectを返す。
	Create(ctx context.Context, user *model.User) error
}

// SessionRepository はサーバー側セッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired はbefore以前に期限切れとなったセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
