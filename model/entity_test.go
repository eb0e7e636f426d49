package model

import (
	"errors"
	"reflect"
	"testing"
)

// --- Access ---

func TestEntityGetSetUnset(t *testing.T) {
	m := Register(Definition{
		Kind: "EntAccess",
		Properties: []Property{
			String("email", StringOpts{}),
			Integer("logins", Opts{Default: 0, Optional: true}),
			String("tags", StringOpts{Opts: Opts{Repeated: true, Optional: true}}),
		},
	})
	defer unregister("EntAccess")

	e := m.New()
	if e.Get("email") != nil {
		t.Errorf("expected nil for unset property, got %v", e.Get("email"))
	}
	if e.Get("logins") != int64(0) {
		t.Errorf("expected default 0, got %v", e.Get("logins"))
	}
	if tags := e.Get("tags"); !reflect.DeepEqual(tags, []any{}) {
		t.Errorf("expected empty list for unset repeated property, got %#v", tags)
	}

	if err := e.Set("email", "jane@example.com"); err != nil {
		t.Fatalf("expected set to succeed, got %v", err)
	}
	if e.Get("email") != "jane@example.com" {
		t.Errorf("expected assigned value, got %v", e.Get("email"))
	}

	if err := e.Set("email", 42); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if err := e.Set("nope", 1); !errors.Is(err, ErrUnknownProperty) {
		t.Errorf("expected ErrUnknownProperty, got %v", err)
	}

	e.MustSet("logins", 3)
	e.Unset("logins")
	if e.Get("logins") != int64(0) {
		t.Errorf("expected unset to restore the default, got %v", e.Get("logins"))
	}
}

func TestEntityGetPanicsOnUnknownField(t *testing.T) {
	m := Register(Definition{Kind: "EntUnknown"})
	defer unregister("EntUnknown")

	defer func() {
		if recover() == nil {
			t.Error("expected Get to panic on an unknown field")
		}
	}()
	m.New().Get("nope")
}

func TestMustSetPanicsOnInvalidValue(t *testing.T) {
	m := Register(Definition{
		Kind:       "EntMustSet",
		Properties: []Property{Integer("n", Opts{})},
	})
	defer unregister("EntMustSet")

	defer func() {
		if recover() == nil {
			t.Error("expected MustSet to panic")
		}
	}()
	m.New().MustSet("n", "not a number")
}

func TestSetKeyChecksKind(t *testing.T) {
	m := Register(Definition{Kind: "EntSetKey"})
	defer unregister("EntSetKey")

	e := m.New()
	if err := e.SetKey(IDKey("Other", 1, nil)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for mismatched kind, got %v", err)
	}
	if err := e.SetKey(IDKey("EntSetKey", 1, nil)); err != nil {
		t.Fatalf("expected matching key to be accepted, got %v", err)
	}
	if e.Key().IntID() != 1 {
		t.Errorf("expected key id 1, got %v", e.Key().IntID())
	}
}

// --- Computed properties ---

func TestComputedCachesUntilUnset(t *testing.T) {
	calls := 0
	m := Register(Definition{
		Kind: "EntComputed",
		Properties: []Property{
			String("first", StringOpts{}),
			String("last", StringOpts{}),
			Computed("full", func(e *Entity) any {
				calls++
				return e.Get("first").(string) + " " + e.Get("last").(string)
			}, Opts{}),
		},
	})
	defer unregister("EntComputed")

	e := m.New().MustSet("first", "Jane").MustSet("last", "Doe")
	if e.Get("full") != "Jane Doe" {
		t.Errorf("expected Jane Doe, got %v", e.Get("full"))
	}
	e.Get("full")
	if calls != 1 {
		t.Errorf("expected the value to be cached, got %d calls", calls)
	}

	e.MustSet("last", "Smith")
	e.Unset("full")
	if e.Get("full") != "Jane Smith" {
		t.Errorf("expected recompute after unset, got %v", e.Get("full"))
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestComputedIsReadOnly(t *testing.T) {
	m := Register(Definition{
		Kind: "EntComputedRO",
		Properties: []Property{
			Computed("n", func(e *Entity) any { return int64(1) }, Opts{}),
		},
	})
	defer unregister("EntComputedRO")

	if err := m.New().Set("n", int64(2)); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
}

// --- Key references ---

func TestKeyRefCoercesEntities(t *testing.T) {
	owner := Register(Definition{Kind: "EntRefOwner"})
	m := Register(Definition{
		Kind: "EntRef",
		Properties: []Property{
			KeyRef("owner", KeyOpts{Kind: "EntRefOwner"}),
		},
	})
	defer unregister("EntRefOwner", "EntRef")

	ownerEntity := owner.New()
	if err := ownerEntity.SetKey(IDKey("EntRefOwner", 7, nil)); err != nil {
		t.Fatal(err)
	}

	e := m.New().MustSet("owner", ownerEntity)
	got := e.Get("owner").(*Key)
	if !got.Equal(IDKey("EntRefOwner", 7, nil)) {
		t.Errorf("expected the entity's key, got %v", got)
	}

	if err := e.Set("owner", IncompleteKey("EntRefOwner", nil)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected incomplete keys to be rejected, got %v", err)
	}
	if err := e.Set("owner", IDKey("Other", 1, nil)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected mismatched kinds to be rejected, got %v", err)
	}
}

// --- Equality ---

func TestEntityEqual(t *testing.T) {
	m := Register(Definition{
		Kind: "EntEqual",
		Properties: []Property{
			String("email", StringOpts{}),
			Integer("logins", Opts{Default: 0, Optional: true}),
		},
	})
	defer unregister("EntEqual")

	a := m.New().MustSet("email", "jane@example.com")
	b := m.New().MustSet("email", "jane@example.com")
	if !a.Equal(b) {
		t.Error("expected structurally equal entities to compare equal")
	}

	// A default matches an explicitly assigned equal value.
	b.MustSet("logins", 0)
	if !a.Equal(b) {
		t.Error("expected default and assigned zero to compare equal")
	}

	b.MustSet("logins", 1)
	if a.Equal(b) {
		t.Error("expected differing values to compare unequal")
	}

	b.MustSet("logins", 0)
	if err := b.SetKey(IDKey("EntEqual", 1, nil)); err != nil {
		t.Fatal(err)
	}
	if a.Equal(b) {
		t.Error("expected differing keys to compare unequal")
	}
}

// --- Index exclusion ---

func TestUnindexedProperties(t *testing.T) {
	m := Register(Definition{
		Kind: "EntUnindexed",
		Properties: []Property{
			String("email", StringOpts{Opts: Opts{Indexed: true}}),
			String("bio", StringOpts{Opts: Opts{Optional: true}}),
			String("nick", StringOpts{Opts: Opts{Optional: true, IndexedIf: IsNotEmpty}}),
		},
	})
	defer unregister("EntUnindexed")

	e := m.New().MustSet("email", "jane@example.com")
	got := e.UnindexedProperties()
	want := []string{"bio", "nick"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// The predicate flips once the field has a value.
	e.MustSet("nick", "jd")
	got = e.UnindexedProperties()
	want = []string{"bio"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// --- Embedded entities ---

func registerAddressed(t *testing.T) (address, contact *Model) {
	t.Helper()
	address = Register(Definition{
		Kind: "EmbAddress",
		Properties: []Property{
			String("street", StringOpts{Opts: Opts{Indexed: true}}),
			String("city", StringOpts{Opts: Opts{Indexed: true}}),
		},
	})
	contact = Register(Definition{
		Kind: "EmbContact",
		Properties: []Property{
			String("name", StringOpts{}),
			Embed("home", address, Opts{Optional: true}),
			Embed("offices", address, Opts{Repeated: true, Optional: true}),
		},
	})
	t.Cleanup(func() { unregister("EmbAddress", "EmbContact") })
	return address, contact
}

func TestEmbedFlattensToDottedFields(t *testing.T) {
	address, contact := registerAddressed(t)

	home := address.New().MustSet("street", "1 Main St").MustSet("city", "Springfield")
	e := contact.New().MustSet("name", "jane").MustSet("home", home)

	raw, err := contact.storeRaw(e)
	if err != nil {
		t.Fatalf("expected store to succeed, got %v", err)
	}

	fields := map[string]any{}
	for _, prop := range raw {
		fields[prop.Name] = prop.Value
	}
	if fields["home.street"] != "1 Main St" || fields["home.city"] != "Springfield" {
		t.Errorf("expected dotted embed fields, got %#v", fields)
	}
	if _, present := fields["home"]; present {
		t.Error("expected no scalar field for the embed itself")
	}
}

func TestEmbedLoadRoundTrip(t *testing.T) {
	address, contact := registerAddressed(t)

	home := address.New().MustSet("street", "1 Main St").MustSet("city", "Springfield")
	offices := []*Entity{
		address.New().MustSet("street", "2 Oak Ave").MustSet("city", "Shelbyville"),
		address.New().MustSet("street", "3 Elm Rd").MustSet("city", "Capital City"),
	}
	e := contact.New().
		MustSet("name", "jane").
		MustSet("home", home).
		MustSet("offices", offices)

	raw, err := contact.storeRaw(e)
	if err != nil {
		t.Fatalf("expected store to succeed, got %v", err)
	}
	data := map[string]any{}
	for _, prop := range raw {
		data[prop.Name] = prop.Value
	}

	// Repeated embeds flatten column-wise into parallel lists.
	streets, ok := data["offices.street"].([]any)
	if !ok || len(streets) != 2 || streets[1] != "3 Elm Rd" {
		t.Fatalf("expected parallel street column, got %#v", data["offices.street"])
	}

	loaded, err := contact.load(IDKey("EmbContact", 1, nil), data)
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}
	if got := loaded.Get("home").(*Entity); !got.Equal(home) {
		t.Errorf("expected embedded entity to round trip, got %#v", got)
	}
	back := loaded.Get("offices").([]any)
	if len(back) != 2 || !back[0].(*Entity).Equal(offices[0]) {
		t.Errorf("expected repeated embeds to round trip, got %#v", back)
	}
}

func TestEmbedLoadRejectsRaggedColumns(t *testing.T) {
	_, contact := registerAddressed(t)

	_, err := contact.load(IDKey("EmbContact", 1, nil), map[string]any{
		"name":           "jane",
		"offices.street": []any{"a", "b"},
		"offices.city":   []any{"x"},
	})
	if err == nil {
		t.Error("expected an error for unequal embed columns")
	}
}

func TestEmbedValidation(t *testing.T) {
	address, contact := registerAddressed(t)
	_ = address

	other := Register(Definition{Kind: "EmbOther"})
	defer unregister("EmbOther")

	e := contact.New()
	if err := e.Set("home", other.New()); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected entities of other models to be rejected, got %v", err)
	}
	if err := e.Set("home", "not an entity"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected non-entities to be rejected, got %v", err)
	}
}

func TestEmbedDefinitionPanics(t *testing.T) {
	address, _ := registerAddressed(t)

	for _, tt := range []struct {
		name string
		ctor func()
	}{
		{"nil model", func() { Embed("x", nil, Opts{}) }},
		{"default", func() { Embed("x", address, Opts{Default: 1}) }},
		{"indexed", func() { Embed("x", address, Opts{Indexed: true}) }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.ctor()
		})
	}
}
