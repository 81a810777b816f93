package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hitoshi/profrate/internal/database"
	"github.com/hitoshi/profrate/internal/model"
)

// setupPostgres はTEST_DATABASE_URLのPostgreSQLにマイグレーションを適用して返す。
// 未設定または接続できない場合はスキップする。
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(url)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.RunMigrations(url); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM sessions; DELETE FROM users;`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	return db
}

func TestNewPostgresRepos_Initialize(t *testing.T) {
	if NewPostgresUserRepo(nil) == nil {
		t.Fatal("expected non-nil user repo")
	}
	if NewPostgresSessionRepo(nil) == nil {
		t.Fatal("expected non-nil session repo")
	}
}

func TestPostgresUserRepo_CreateFindDuplicate(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresUserRepo(db)
	ctx := context.Background()

	u := newTestUser("3f1c1f5e-0000-4000-8000-000000000001", "g-123")
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repo.FindByProviderSubjectID(ctx, "g-123")
	if err != nil {
		t.Fatalf("FindByProviderSubjectID failed: %v", err)
	}
	if got == nil || got.ID != u.ID || got.FirstName != "Ann" {
		t.Errorf("FindByProviderSubjectID = %+v", got)
	}

	dup := newTestUser("3f1c1f5e-0000-4000-8000-000000000002", "g-123")
	if err := repo.Create(ctx, dup); !errors.Is(err, model.ErrDuplicateSubject) {
		t.Errorf("expected ErrDuplicateSubject, got %v", err)
	}

	missing, err := repo.FindByID(ctx, "3f1c1f5e-0000-4000-8000-0000000000ff")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil, got %+v", missing)
	}
}

func TestPostgresSessionRepo_Lifecycle(t *testing.T) {
	db := setupPostgres(t)
	users := NewPostgresUserRepo(db)
	repo := NewPostgresSessionRepo(db)
	ctx := context.Background()

	u := newTestUser("3f1c1f5e-0000-4000-8000-000000000003", "g-456")
	if err := users.Create(ctx, u); err != nil {
		t.Fatalf("Create user failed: %v", err)
	}

	now := time.Now()
	if err := repo.Create(ctx, &model.Session{ID: "s-live", UserID: u.ID, ExpiresAt: now.Add(time.Hour), CreatedAt: now}); err != nil {
		t.Fatalf("Create session failed: %v", err)
	}
	if err := repo.Create(ctx, &model.Session{ID: "s-old", UserID: u.ID, ExpiresAt: now.Add(-time.Hour), CreatedAt: now}); err != nil {
		t.Fatalf("Create session failed: %v", err)
	}

	got, err := repo.FindByID(ctx, "s-old")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got != nil {
		t.Errorf("expired session should not be returned")
	}

	n, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired removed %d, want 1", n)
	}

	if err := repo.DeleteByID(ctx, "s-live"); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}
}
