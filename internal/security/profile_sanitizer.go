package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxProfileFieldRunes はプロフィール項目として保存する最大文字数。
const maxProfileFieldRunes = 255

// ProfileSanitizer はIdPから受け取ったプロフィール文字列からマークアップを除去する。
// 結果はプレーンテキストとして保存され、HTMLとして解釈されることはない。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はタグをすべて除去するStrictPolicyでProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

var angleStripper = strings.NewReplacer("<", "", ">", "")

// Sanitize はタグを除去し、エンティティを文字に戻したプレーンテキストを返す。
// エンティティ経由で復元された山括弧も取り除く。
func (s *ProfileSanitizer) Sanitize(value string) string {
	if value == "" {
		return ""
	}

	text := html.UnescapeString(s.policy.Sanitize(value))
	text = strings.TrimSpace(angleStripper.Replace(text))

	if utf8.RuneCountInString(text) > maxProfileFieldRunes {
		text = string([]rune(text)[:maxProfileFieldRunes])
	}
	return text
}
