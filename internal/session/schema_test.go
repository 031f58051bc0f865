package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSchema(t *testing.T) {
	s := DefaultSchema()
	if !s.HasVariable("service_type") || !s.HasVariable("selected_appointment") {
		t.Fatalf("missing default variables: %v", s.Variables())
	}
	if !s.HasFlag("intro_played") || s.HasFlag("unknown") {
		t.Fatalf("unexpected flags: %v", s.Flags())
	}
	if s.FlagRules["intro"] != "intro_played" {
		t.Fatalf("intro rule missing")
	}
	if len(s.Variables()) != 11 || len(s.Flags()) != 9 {
		t.Fatalf("counts: %d vars %d flags", len(s.Variables()), len(s.Flags()))
	}
}

func TestNewSchema_Rejects(t *testing.T) {
	cases := []struct {
		name  string
		vars  []string
		flags []string
		rules map[string]string
	}{
		{"dup var", []string{"a", "a"}, nil, nil},
		{"empty var", []string{""}, nil, nil},
		{"dup flag", nil, []string{"f", "f"}, nil},
		{"unknown rule flag", nil, []string{"f"}, map[string]string{"intro": "g"}},
	}
	for _, tc := range cases {
		if _, err := NewSchema(tc.vars, tc.flags, tc.rules); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLoadSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	body := "variables: [course, parent_name]\nflags: [fees_explained]\nflag_rules:\n  fees: fees_explained\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSchema(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !s.HasVariable("parent_name") || s.HasVariable("service_type") {
		t.Fatalf("schema file must replace the default")
	}
	if s.FlagRules["fees"] != "fees_explained" {
		t.Fatalf("rules: %v", s.FlagRules)
	}
	if _, err := LoadSchema(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
