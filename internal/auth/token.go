package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/profrate/internal/model"
)

const tokenIssuer = "profrate"

// Claims はセッショントークンに含めるクレーム。
// SessionIDはサーバー側セッションを併用する場合のみ設定される。
type Claims struct {
	UserID    string `json:"id"`
	FirstName string `json:"firstName"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager はHS256で署名したセッショントークンの発行と検証を行う。
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager はTokenManagerを生成する。
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL はトークンの有効期間を返す。
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Issue はユーザーのセッショントークンを発行し、トークン文字列と有効期限を返す。
func (m *TokenManager) Issue(user *model.User, sessionID string) (string, time.Time, error) {
	if user == nil || user.ID == "" {
		return "", time.Time{}, errors.New("token: user id is required")
	}

	now := m.now()
	claims := Claims{
		UserID:    user.ID,
		FirstName: user.FirstName,
		Role:      user.Role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify はトークンの署名・発行者・有効期限を検証してクレームを返す。
// 不正なトークンの場合はmodel.ErrInvalidTokenをラップしたエラーを返す。
func (m *TokenManager) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, model.ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, model.ErrInvalidToken
	}
	return claims, nil
}
