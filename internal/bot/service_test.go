package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Chatbot{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	return NewService(NewRepo(db)), db
}

func TestCreate_Defaults(t *testing.T) {
	svc, _ := newTestService(t)

	b, err := svc.Create(context.Background(), Params{Name: "Support Bot", Model: "llama3:latest"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.ID == 0 {
		t.Fatalf("id not assigned")
	}
	if !b.Active {
		t.Fatalf("new bots default to active")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    Params
	}{
		{"empty name", Params{Name: "", Model: "llama3"}},
		{"name too long", Params{Name: strings.Repeat("a", 256), Model: "llama3"}},
		{"empty model", Params{Name: "bot", Model: ""}},
		{"model bad chars", Params{Name: "bot", Model: "llama3; DROP TABLE"}},
		{"model too long", Params{Name: "bot", Model: strings.Repeat("m", 101)}},
		{"prompt too long", Params{Name: "bot", Model: "llama3", SystemPrompt: strings.Repeat("p", 5001)}},
		{"greeting too long", Params{Name: "bot", Model: "llama3", Greeting: strings.Repeat("g", 1001)}},
		{"avatar bad scheme", Params{Name: "bot", Model: "llama3", AvatarURL: "ftp://example.com/a.png"}},
		{"avatar too long", Params{Name: "bot", Model: "llama3", AvatarURL: "https://example.com/" + strings.Repeat("x", 500)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tc.p); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.Create(ctx, Params{Name: "Old", Model: "llama3"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	inactive := false
	updated, err := svc.Update(ctx, b.ID, Params{Name: "New", Model: "mistral", Active: &inactive})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "New" || updated.Model != "mistral" || updated.Active {
		t.Fatalf("update not applied: %+v", updated)
	}

	if _, err := svc.Update(ctx, 9999, Params{Name: "x", Model: "m"}); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListActive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, Params{Name: "A", Model: "llama3"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	off := false
	if _, err := svc.Create(ctx, Params{Name: "B", Model: "llama3", Active: &off}); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Name != "A" {
		t.Fatalf("unexpected active set: %v", active)
	}

	all, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 bots, got %d", len(all))
	}
}
