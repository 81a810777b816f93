package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect はDATABASE_URLから判定したデータベースの種別を表す。
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const sqliteScheme = "sqlite://"

// sqlitePragmas はSQLite接続ごとに適用するPRAGMA。
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

// DialectOf はデータベースURLのスキームから方言を判定する。
func DialectOf(databaseURL string) (Dialect, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DialectPostgres, nil
	case strings.HasPrefix(databaseURL, sqliteScheme):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database url scheme: %q", RedactURL(databaseURL))
	}
}

// Open はDATABASE_URLに応じてPostgreSQLまたはSQLiteの接続を開く。
// PostgreSQLはsql.Openが接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
// SQLiteは書き込みの競合を避けるため接続数を1に制限する。
func Open(databaseURL string) (*sql.DB, error) {
	dialect, err := DialectOf(databaseURL)
	if err != nil {
		return nil, err
	}

	switch dialect {
	case DialectSQLite:
		db, err := sql.Open("sqlite", SQLiteDSN(databaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	default:
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	}
}

// SQLiteDSN は "sqlite://path" 形式のURLをmodernc.org/sqlite用のDSNに変換する。
func SQLiteDSN(databaseURL string) string {
	path := strings.TrimPrefix(databaseURL, sqliteScheme)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + sqlitePragmas
}

// RedactURL はエラーメッセージやログ用にURLの認証情報を伏せる。
func RedactURL(u string) string {
	at := strings.LastIndex(u, "@")
	scheme := strings.Index(u, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return u
	}
	return u[:scheme+3] + "***" + u[at:]
}
