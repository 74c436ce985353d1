package settings

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestSetAndGet(t *testing.T) {
	s := NewStore()

	if err := s.Set("inst-1", "digest.hour", 8); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set("inst-1", "digest.enabled", true); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set("inst-1", "labels", []string{"work", "family"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if v, ok := s.Get("inst-1", "digest.hour"); !ok || v != float64(8) {
		t.Errorf("Get(digest.hour) = %v (%v), want 8", v, ok)
	}
	if v, ok := s.Get("inst-1", "digest.enabled"); !ok || v != true {
		t.Errorf("Get(digest.enabled) = %v (%v), want true", v, ok)
	}
	if v, ok := s.Get("inst-1", "labels.1"); !ok || v != "family" {
		t.Errorf("Get(labels.1) = %v (%v), want family", v, ok)
	}
	if _, ok := s.Get("inst-1", "digest.missing"); ok {
		t.Error("Get(missing path) reported existence")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := NewStore()

	if err := s.Set("inst-1", "theme", "dark"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("inst-2", "theme", "light"); err != nil {
		t.Fatal(err)
	}

	if v, _ := s.Get("inst-1", "theme"); v != "dark" {
		t.Errorf("inst-1 theme = %v, want dark", v)
	}
	if v, _ := s.Get("inst-2", "theme"); v != "light" {
		t.Errorf("inst-2 theme = %v, want light", v)
	}
	if _, ok := s.Get("inst-3", "theme"); ok {
		t.Error("unwritten namespace reported a value")
	}
}

func TestOverwrite(t *testing.T) {
	s := NewStore()
	if err := s.Set("inst-1", "digest.hour", 8); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("inst-1", "digest.hour", 17); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("inst-1", "digest.hour"); v != float64(17) {
		t.Errorf("digest.hour = %v, want 17", v)
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	if err := s.Set("inst-1", "a", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("inst-1", "b", 2); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("inst-1", "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := s.Get("inst-1", "a"); ok {
		t.Error("deleted path still present")
	}
	if v, _ := s.Get("inst-1", "b"); v != float64(2) {
		t.Errorf("sibling path = %v, want 2", v)
	}

	// Missing paths and namespaces are a no-op.
	if err := s.Delete("inst-1", "never.there"); err != nil {
		t.Errorf("Delete(missing path) error = %v", err)
	}
	if err := s.Delete("inst-9", "a"); err != nil {
		t.Errorf("Delete(missing namespace) error = %v", err)
	}
}

func TestClear(t *testing.T) {
	s := NewStore()
	if err := s.Set("inst-1", "a", 1); err != nil {
		t.Fatal(err)
	}

	s.Clear("inst-1")
	if _, ok := s.Get("inst-1", "a"); ok {
		t.Error("value survived Clear")
	}
	if doc := s.Document("inst-1"); doc != "{}" {
		t.Errorf("Document = %q, want empty object", doc)
	}
}

func TestDocument(t *testing.T) {
	s := NewStore()
	if doc := s.Document("inst-1"); doc != "{}" {
		t.Errorf("fresh Document = %q, want {}", doc)
	}

	if err := s.Set("inst-1", "digest.hour", 8); err != nil {
		t.Fatal(err)
	}
	doc := s.Document("inst-1")
	if !gjson.Valid(doc) {
		t.Fatalf("Document = %q, not valid JSON", doc)
	}
	if gjson.Get(doc, "digest.hour").Int() != 8 {
		t.Errorf("Document = %q, missing digest.hour", doc)
	}
}
