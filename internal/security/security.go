// Package security implements encrypted credential storage for AI provider
// API keys. Keys are sealed with ChaCha20-Poly1305 under a key derived from a
// passphrase with PBKDF2, and are wiped from memory when the store is
// cleared.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	iterations = 210000
)

var (
	// ErrLocked is returned when the store has no passphrase set.
	ErrLocked = errors.New("credential store locked")
	// ErrNotFound is returned when no credential exists for a provider.
	ErrNotFound = errors.New("credential not found")
	// ErrBadPassphrase is returned when a stored file cannot be opened with
	// the supplied passphrase.
	ErrBadPassphrase = errors.New("wrong passphrase or corrupt store")
)

// DefaultStorePath returns the user-level credential store location, used
// whenever no config file names one.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mcpdbg_credentials.json")
}

// storeFile is the on-disk representation. The entries map is sealed as a
// single blob so provider names are not visible at rest.
type storeFile struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Sealed  string `json:"sealed"`
}

// Store holds provider API keys in memory and seals them to disk on demand.
type Store struct {
	mu    sync.Mutex
	key   []byte
	salt  []byte
	creds map[string][]byte
}

// NewStore creates an empty, locked Store.
func NewStore() *Store {
	return &Store{creds: make(map[string][]byte)}
}

// Unlock derives the sealing key from a passphrase. A fresh salt is generated
// when the store has never been saved.
func (s *Store) Unlock(passphrase string) error {
	if passphrase == "" {
		return errors.New("empty passphrase")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.salt == nil {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		s.salt = salt
	}
	s.key = pbkdf2.Key([]byte(passphrase), s.salt, iterations, chacha20poly1305.KeySize, sha256.New)
	return nil
}

// Set stores an API key for a provider, replacing any previous value.
func (s *Store) Set(provider, apiKey string) error {
	if provider == "" {
		return errors.New("empty provider name")
	}
	if err := ValidateKeyFormat(provider, apiKey); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.creds[provider]; ok {
		wipe(old)
	}
	s.creds[provider] = []byte(apiKey)
	return nil
}

// Get returns the API key for a provider.
func (s *Store) Get(provider string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, provider)
	}
	return string(cred), nil
}

// Has reports whether a credential exists for the provider.
func (s *Store) Has(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.creds[provider]
	return ok
}

// Clear wipes all credentials and the derived key from memory.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, cred := range s.creds {
		wipe(cred)
		delete(s.creds, name)
	}
	wipe(s.key)
	s.key = nil
}

// Save seals all credentials and writes them to path.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return ErrLocked
	}

	plain := make(map[string]string, len(s.creds))
	for name, cred := range s.creds {
		plain[name] = string(cred)
	}
	payload, err := json.Marshal(plain)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	defer wipe(payload)

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, payload, nil)

	out, err := json.MarshalIndent(storeFile{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(s.salt),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Sealed:  base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	return nil
}

// Load reads a sealed store from path and opens it with the passphrase.
func (s *Store) Load(path, passphrase string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credential store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse credential store: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(file.Sealed)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, iterations, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	payload, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		wipe(key)
		return ErrBadPassphrase
	}
	defer wipe(payload)

	var plain map[string]string
	if err := json.Unmarshal(payload, &plain); err != nil {
		wipe(key)
		return fmt.Errorf("parse credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, cred := range s.creds {
		wipe(cred)
		delete(s.creds, name)
	}
	for name, value := range plain {
		s.creds[name] = []byte(value)
	}
	wipe(s.key)
	s.key = key
	s.salt = salt
	return nil
}

// ValidateKeyFormat performs a shape check on an API key for a known
// provider. Unknown providers only require a non-empty key.
func ValidateKeyFormat(provider, apiKey string) error {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return errors.New("empty API key")
	}
	if len(key) < 16 {
		return fmt.Errorf("API key for %s too short", provider)
	}

	switch provider {
	case "claude", "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("claude API keys start with sk-ant-")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("openai API keys start with sk-")
		}
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("gemini API keys start with AIza")
		}
	}
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
