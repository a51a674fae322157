package security

import (
	"errors"
	"path/filepath"
	"testing"
)

const (
	testClaudeKey = "sk-ant-REDACTED"
	testOpenAIKey = "sk-test-0123456789abcdef"
)

func TestSetGet(t *testing.T) {
	s := NewStore()
	if err := s.Set("claude", testClaudeKey); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get("claude")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != testClaudeKey {
		t.Errorf("Get = %q, want %q", got, testClaudeKey)
	}

	if !s.Has("claude") {
		t.Error("Has(claude) = false")
	}
	if s.Has("openai") {
		t.Error("Has(openai) = true")
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	if _, err := s.Get("claude"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestClearWipes(t *testing.T) {
	s := NewStore()
	if err := s.Set("claude", testClaudeKey); err != nil {
		t.Fatal(err)
	}
	s.Clear()
	if s.Has("claude") {
		t.Error("credential survived Clear")
	}
}

func TestSaveRequiresUnlock(t *testing.T) {
	s := NewStore()
	if err := s.Set("claude", testClaudeKey); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "creds.json")
	if err := s.Save(path); !errors.Is(err, ErrLocked) {
		t.Errorf("Save error = %v, want ErrLocked", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")

	s := NewStore()
	if err := s.Unlock("correct horse battery staple"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := s.Set("claude", testClaudeKey); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("openai", testOpenAIKey); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := NewStore()
	if err := reloaded.Load(path, "correct horse battery staple"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := reloaded.Get("openai")
	if err != nil {
		t.Fatalf("Get after Load: %v", err)
	}
	if got != testOpenAIKey {
		t.Errorf("Get = %q, want %q", got, testOpenAIKey)
	}
}

func TestLoadWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")

	s := NewStore()
	if err := s.Unlock("passphrase one"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("claude", testClaudeKey); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}

	other := NewStore()
	if err := other.Load(path, "passphrase two"); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("Load error = %v, want ErrBadPassphrase", err)
	}
}

func TestValidateKeyFormat(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		key      string
		wantErr  bool
	}{
		{"claude ok", "claude", testClaudeKey, false},
		{"claude wrong prefix", "claude", "sk-live-0123456789abcdef", true},
		{"openai ok", "openai", testOpenAIKey, false},
		{"openai wrong prefix", "openai", "pk-test-0123456789abcdef", true},
		{"gemini ok", "gemini", "AIzaSyTest0123456789abcdef", false},
		{"gemini wrong prefix", "gemini", "GOOG-test-0123456789abcd", true},
		{"unknown provider any shape", "bedrock", "arbitrary-key-material-here", false},
		{"empty key", "claude", "", true},
		{"short key", "openai", "sk-abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyFormat(tt.provider, tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKeyFormat(%q, %q) error = %v, wantErr %v", tt.provider, tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestSetRejectsBadKey(t *testing.T) {
	s := NewStore()
	if err := s.Set("claude", "not-a-claude-key-at-all"); err == nil {
		t.Error("Set accepted malformed key")
	}
	if s.Has("claude") {
		t.Error("malformed key was stored")
	}
}
