package article

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash("SEC sues Binance", "Regulator files charges")
	b := ContentHash("SEC sues Binance", "Regulator files charges")
	if a != b {
		t.Errorf("same content produced different hashes: %s vs %s", a, b)
	}
	if a == ContentHash("SEC sues Binance", "Regulator files charge") {
		t.Error("different summaries produced the same hash")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestNeedsExtraction(t *testing.T) {
	complete := &Extraction{
		NucleusEntity:    "SEC",
		Actors:           ActorList{{Name: "SEC", Salience: 5}},
		NarrativeSummary: "Regulator escalates enforcement",
	}

	tests := []struct {
		name    string
		article Article
		want    bool
	}{
		{
			name:    "new article without hash",
			article: Article{Title: "t", Summary: "s"},
			want:    true,
		},
		{
			name: "hash matches and extraction complete",
			article: Article{
				Title: "t", Summary: "s",
				ContentHash: ContentHash("t", "s"),
				Extraction:  complete,
			},
			want: false,
		},
		{
			name: "content changed since extraction",
			article: Article{
				Title: "t edited", Summary: "s",
				ContentHash: ContentHash("t", "s"),
				Extraction:  complete,
			},
			want: true,
		},
		{
			name: "hash present but extraction missing",
			article: Article{
				Title: "t", Summary: "s",
				ContentHash: ContentHash("t", "s"),
			},
			want: true,
		},
		{
			name: "previous extraction incomplete",
			article: Article{
				Title: "t", Summary: "s",
				ContentHash: ContentHash("t", "s"),
				Extraction:  &Extraction{NucleusEntity: "SEC"},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsExtraction(&tt.article); got != tt.want {
				t.Errorf("NeedsExtraction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractionValidate(t *testing.T) {
	valid := func() *Extraction {
		return &Extraction{
			NucleusEntity:    "SEC",
			Actors:           ActorList{{Name: "SEC", Salience: 5}, {Name: "Binance", Salience: 4}},
			Actions:          []string{"sues"},
			NarrativeSummary: "SEC files suit against Binance",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Extraction)
		wantErr bool
	}{
		{"valid", func(e *Extraction) {}, false},
		{"empty nucleus", func(e *Extraction) { e.NucleusEntity = "" }, true},
		{"empty actors", func(e *Extraction) { e.Actors = nil }, true},
		{"salience zero", func(e *Extraction) { e.Actors[1].Salience = 0 }, true},
		{"salience six", func(e *Extraction) { e.Actors[0].Salience = 6 }, true},
		{"nucleus missing from actors", func(e *Extraction) { e.NucleusEntity = "Coinbase" }, true},
		{"summary too short", func(e *Extraction) { e.NarrativeSummary = "short" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("error %v does not wrap ErrValidation", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestActorListOrderPreserved(t *testing.T) {
	raw := `{"Binance":4,"SEC":5,"Coinbase":3,"aToken":4}`
	var al ActorList
	if err := json.Unmarshal([]byte(raw), &al); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := []string{"Binance", "SEC", "Coinbase", "aToken"}
	if got := al.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order not preserved: got %v, want %v", got, want)
	}

	out, err := json.Marshal(al)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != raw {
		t.Errorf("round trip changed document: got %s, want %s", out, raw)
	}
}

func TestActorListSetAndGet(t *testing.T) {
	var al ActorList
	al.Set("SEC", 3)
	al.Set("Binance", 4)
	al.Set("SEC", 5)

	if len(al) != 2 {
		t.Fatalf("expected 2 actors, got %d", len(al))
	}
	if s, ok := al.Get("SEC"); !ok || s != 5 {
		t.Errorf("Get(SEC) = %d, %v; want 5, true", s, ok)
	}
	if _, ok := al.Get("Coinbase"); ok {
		t.Error("Get(Coinbase) reported present")
	}
	if al[0].Name != "SEC" {
		t.Errorf("Set moved existing actor, first is %s", al[0].Name)
	}
}
