package model_test

import (
	"context"
	"testing"

	"github.com/jacentio/arbor/adapter/memory"
	"github.com/jacentio/arbor/model"
)

// seedAccounts stores n accounts with ascending login counts and ids.
func seedAccounts(t *testing.T, ctx context.Context, m *model.Model, n int) {
	t.Helper()
	entities := make([]*model.Entity, n)
	for i := 0; i < n; i++ {
		e := m.New().
			MustSet("email", string(rune('a'+i))+"@example.com").
			MustSet("logins", i)
		if err := e.SetKey(model.IDKey(m.Kind(), int64(i+1), nil)); err != nil {
			t.Fatal(err)
		}
		entities[i] = e
	}
	if _, err := model.PutMulti(ctx, entities); err != nil {
		t.Fatal(err)
	}
}

func collectEmails(t *testing.T, ctx context.Context, rs *model.Resultset) []string {
	t.Helper()
	var emails []string
	for rs.Next(ctx) {
		emails = append(emails, rs.Entity().Get("email").(string))
	}
	if err := rs.Err(); err != nil {
		t.Fatal(err)
	}
	return emails
}

// --- Iteration ---

func TestResultsetIteration(t *testing.T) {
	ctx := context.Background()
	accounts := registerAccounts("RSIterate", memory.New(), model.Hooks{})
	seedAccounts(t, ctx, accounts, 5)

	rs := accounts.Query().
		Where("logins", model.GreaterThanOrEqual, int64(2)).
		OrderBy("-logins").
		Run()

	got := collectEmails(t, ctx, rs)
	want := []string{"e@example.com", "d@example.com", "c@example.com"}
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %q at position %d, got %q", want[i], i, got[i])
		}
	}

	// A resultset is forward-only; a finished one stays finished.
	if rs.Next(ctx) {
		t.Error("expected an exhausted resultset to stay exhausted")
	}
}

func TestResultsetLimitAndOffset(t *testing.T) {
	ctx := context.Background()
	accounts := registerAccounts("RSWindow", memory.New(), model.Hooks{})
	seedAccounts(t, ctx, accounts, 5)

	rs := accounts.Query().
		OrderBy("logins").
		WithOffset(1).
		WithLimit(2).
		Run()

	got := collectEmails(t, ctx, rs)
	if len(got) != 2 || got[0] != "b@example.com" || got[1] != "c@example.com" {
		t.Errorf("expected [b c], got %v", got)
	}
}

func TestResultsetKeysOnly(t *testing.T) {
	ctx := context.Background()
	accounts := registerAccounts("RSKeys", memory.New(), model.Hooks{})
	seedAccounts(t, ctx, accounts, 3)

	rs := accounts.Query().OrderBy("logins").RunKeys()
	var ids []int64
	for rs.Next(ctx) {
		if rs.Entity() != nil {
			t.Error("expected no entity on a keys-only run")
		}
		ids = append(ids, rs.Key().IntID())
	}
	if err := rs.Err(); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("expected ids [1 2 3], got %v", ids)
	}
}

func TestResultsetUnknownKind(t *testing.T) {
	rs := model.NewQuery("RSNoSuchKind").Run()
	if rs.Next(context.Background()) {
		t.Error("expected no results for an unknown kind")
	}
	if rs.Err() == nil {
		t.Error("expected an error for an unknown kind")
	}
}

func TestQueryGet(t *testing.T) {
	ctx := context.Background()
	accounts := registerAccounts("RSGet", memory.New(), model.Hooks{})
	seedAccounts(t, ctx, accounts, 3)

	e, err := accounts.Query().Where("email", model.Equal, "b@example.com").Get(ctx)
	if err != nil {
		t.Fatalf("expected get to succeed, got %v", err)
	}
	if e == nil || e.Get("logins") != int64(1) {
		t.Errorf("expected the matching account, got %v", e)
	}

	missing, err := accounts.Query().Where("email", model.Equal, "zz@example.com").Get(ctx)
	if err != nil {
		t.Fatalf("expected no error for an empty result, got %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for an empty result, got %v", missing)
	}
}

// --- Pagination ---

func TestPaginate(t *testing.T) {
	ctx := context.Background()
	accounts := registerAccounts("RSPages", memory.New(), model.Hooks{})
	seedAccounts(t, ctx, accounts, 5)

	pages := accounts.Query().OrderBy("logins").Paginate(2, "")

	var sizes []int
	var cursor string
	for pages.HasMore() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Entities()) == 0 {
			break
		}
		sizes = append(sizes, len(page.Entities()))
		if len(sizes) == 1 {
			cursor = page.Cursor()
		}
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("expected page sizes [2 2 1], got %v", sizes)
	}

	// A cursor resumes the query in a fresh, independent pagination.
	resumed := accounts.Query().OrderBy("logins").Paginate(2, cursor)
	page, err := resumed.NextPage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entities()) != 2 || page.Entities()[0].Get("email") != "c@example.com" {
		t.Errorf("expected the third account first after resuming, got %v", page.Entities())
	}
}

func TestPaginateExhausted(t *testing.T) {
	ctx := context.Background()
	accounts := registerAccounts("RSPagesEmpty", memory.New(), model.Hooks{})
	seedAccounts(t, ctx, accounts, 2)

	pages := accounts.Query().OrderBy("logins").Paginate(10, "")
	if _, err := pages.NextPage(ctx); err != nil {
		t.Fatal(err)
	}
	if pages.HasMore() {
		t.Error("expected HasMore to turn false after a short page")
	}

	page, err := pages.NextPage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entities()) != 0 {
		t.Errorf("expected an empty page after exhaustion, got %v", page.Entities())
	}
}
