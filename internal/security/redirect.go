package security

import (
	"net/url"
	"strings"
)

// maxRedirectPathLength はredirectPathとして受け付ける最大長。
const maxRedirectPathLength = 2048

// SafeRedirectPath はログイン後の戻り先として使えるサイト内パスかを検証する。
// "/" で始まる相対パスのみ受け付け、"//host" や "/\host" のような
// 別オリジンへ解釈されうる値、スキーム付きURL、制御文字を含む値は拒否する。
func SafeRedirectPath(raw string) (string, bool) {
	if raw == "" || len(raw) > maxRedirectPathLength {
		return "", false
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "", false
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return "", false
		}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "", false
	}

	return raw, true
}
