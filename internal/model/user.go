// Package model はドメインモデルを定義する。
package model

import "time"

// AffiliationUnknown はプロバイダーのプロフィールから所属を導出できない場合の既定値。
const AffiliationUnknown = "unknown"

// User はサービス利用ユーザー（User Record）を表す。
// ProviderSubjectIDは外部IdPのsubject IDで、ユーザーごとに一意。
type User struct {
	ID                string    `json:"id"`
	ProviderSubjectID string    `json:"providerSubjectId"`
	Email             string    `json:"email"`
	FirstName         string    `json:"firstName"`
	Affiliation       string    `json:"affiliation"`
	Role              string    `json:"role,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Session はサーバー側で保持するログインセッションを表す。
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired はセッションが指定時刻の時点で期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
