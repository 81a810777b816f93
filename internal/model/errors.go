// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodeRateLimited  = "RATE_LIMITED"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

var (
	// ErrDuplicateSubject はprovider_subject_idの一意制約違反を表す。
	// 同一subjectのユーザーが並行して作成されたことを意味する。
	ErrDuplicateSubject = errors.New("user with the same provider subject already exists")

	// ErrInvalidToken はセッショントークンの署名・期限・形式が不正であることを表す。
	ErrInvalidToken = errors.New("invalid session token")

	// ErrSessionNotFound はサーバー側セッションが存在しない、または期限切れであることを表す。
	ErrSessionNotFound = errors.New("session not found or expired")
)

// FederationError は外部IdPとの認可コード交換の失敗・拒否を表す。
// ハンドラーでは失敗用リダイレクト先への遷移に変換される。
type FederationError struct {
	Reason string
	Err    error
}

func (e *FederationError) Error() string {
	if e.Err == nil {
		return "federation failed: " + e.Reason
	}
	return fmt.Sprintf("federation failed: %s: %v", e.Reason, e.Err)
}

func (e *FederationError) Unwrap() error { return e.Err }

// StoreError はユーザーまたはセッションの永続化の失敗を表す。
// ハンドラーでは500レスポンスに変換される。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// LogoutError はサーバー側セッションの破棄の失敗を表す。
// Cookieのクリアは失敗に関わらず実行される。
type LogoutError struct {
	SessionID string
	UserID    string // 全セッション破棄時のみ
	Err       error
}

func (e *LogoutError) Error() string {
	return fmt.Sprintf("logout failed: %v", e.Err)
}

func (e *LogoutError) Unwrap() error { return e.Err }

// IsFederationError はerrがFederationErrorを含むかを返す。
func IsFederationError(err error) bool {
	var fe *FederationError
	return errors.As(err, &fe)
}

// IsStoreError はerrがStoreErrorを含むかを返す。
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
