package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const defaultGoogleIssuerURL = "https://accounts.google.com"

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// IssuerURL はOIDCディスカバリの起点。空の場合はGoogleの発行者URLを使用する。
	IssuerURL string
	// HTTPClient はディスカバリ、トークン交換、JWKS取得に使用する。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// GoogleOAuthProvider はGoogleのOpenID Connectによる認証を提供する。
// 認可コードはPKCE(S256)付きで交換し、id_tokenの署名・発行者・audience・期限を検証する。
type GoogleOAuthProvider struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client
}

// NewGoogleOAuthProvider はOIDCディスカバリを実行してGoogleOAuthProviderを生成する。
// ctxはディスカバリ要求にのみ使用する。
func NewGoogleOAuthProvider(ctx context.Context, cfg GoogleOAuthConfig) (*GoogleOAuthProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, errors.New("google oauth config missing required fields")
	}
	if cfg.IssuerURL == "" {
		cfg.IssuerURL = defaultGoogleIssuerURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to init google oidc provider: %w", err)
	}

	return &GoogleOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		client:   client,
	}, nil
}

// GetLoginURL はPKCEのcode_challengeを含むGoogleの同意画面URLを生成する。
func (p *GoogleOAuthProvider) GetLoginURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(verifier),
	)
}

// googleClaims はid_tokenから読み取るクレーム。
type googleClaims struct {
	Subject      string `json:"sub"`
	Email        string `json:"email"`
	GivenName    string `json:"given_name"`
	Name         string `json:"name"`
	HostedDomain string `json:"hd"`
}

// ExchangeCode は認可コードをトークンに交換し、検証済みid_tokenからプロフィールを取得する。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code, verifier string) (*ProviderProfile, error) {
	ctx = oidc.ClientContext(ctx, p.client)

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("google token exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("google did not return id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("google id_token verification failed: %w", err)
	}

	var claims googleClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("google id_token claims parse failed: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("google id_token missing sub claim")
	}

	firstName := claims.GivenName
	if firstName == "" {
		firstName = claims.Name
	}

	return &ProviderProfile{
		SubjectID:    claims.Subject,
		Email:        claims.Email,
		FirstName:    firstName,
		HostedDomain: claims.HostedDomain,
	}, nil
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
