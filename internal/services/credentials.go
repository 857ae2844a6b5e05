package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/99designs/keyring"
)

const tokenKeyPrefix = "repo-token:"

// RepositoryToken is a bearer token for a private add-on host
type RepositoryToken struct {
	Host      string    `json:"host"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialService stores repository tokens in the OS keychain
type CredentialService struct {
	ring keyring.Keyring
}

// KeyringConfig selects the keyring backend. Backend "file" skips the OS
// keychains and uses only the encrypted file in FileDir.
type KeyringConfig struct {
	ServiceName  string
	Backend      string
	FileDir      string
	FilePassword string
}

// NewCredentialService opens the OS keychain, falling back to an encrypted file
func NewCredentialService(cfg KeyringConfig) (*CredentialService, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "addon-manager"
	}
	if cfg.FileDir == "" {
		cfg.FileDir = "~/.addon-manager"
	}

	backends := []keyring.BackendType{
		keyring.KeychainBackend,      // macOS Keychain
		keyring.SecretServiceBackend, // Linux Secret Service (gnome-keyring, kwallet)
		keyring.WinCredBackend,       // Windows Credential Manager
		keyring.FileBackend,          // Encrypted file fallback
	}
	if cfg.Backend == "file" {
		backends = []keyring.BackendType{keyring.FileBackend}
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:     cfg.ServiceName,
		AllowedBackends: backends,
		FileDir:         cfg.FileDir,
		FilePasswordFunc: func(prompt string) (string, error) {
			if cfg.FilePassword == "" {
				return "", errors.New("no keyring file password configured")
			}
			return cfg.FilePassword, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	return &CredentialService{ring: ring}, nil
}

// NewCredentialServiceWithKeyring wraps an already opened keyring
func NewCredentialServiceWithKeyring(ring keyring.Keyring) *CredentialService {
	return &CredentialService{ring: ring}
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// StoreToken saves the bearer token for host
func (s *CredentialService) StoreToken(host, token string) error {
	host = normalizeHost(host)
	if host == "" || token == "" {
		return fmt.Errorf("host and token are required")
	}

	data, err := json.Marshal(RepositoryToken{Host: host, Token: token, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	item := keyring.Item{
		Key:   tokenKeyPrefix + host,
		Data:  data,
		Label: "Add-on repository " + host,
	}
	if err := s.ring.Set(item); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	log.Printf("[Credentials] Stored token for %s", host)
	return nil
}

// BearerToken returns the token for host, or "" if none is stored
func (s *CredentialService) BearerToken(host string) (string, error) {
	item, err := s.ring.Get(tokenKeyPrefix + normalizeHost(host))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to retrieve token: %w", err)
	}

	var tok RepositoryToken
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return "", fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return tok.Token, nil
}

// DeleteToken removes the token for host. Removing a missing token is not an error.
func (s *CredentialService) DeleteToken(host string) error {
	if err := s.ring.Remove(tokenKeyPrefix + normalizeHost(host)); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil
		}
		// File backend may return "no such file" error instead of ErrKeyNotFound
		errMsg := err.Error()
		if strings.Contains(errMsg, "no such file") || strings.Contains(errMsg, "not found") {
			return nil
		}
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// ListHosts returns the hosts that have a stored token
func (s *CredentialService) ListHosts() ([]string, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	var hosts []string
	for _, k := range keys {
		if strings.HasPrefix(k, tokenKeyPrefix) {
			hosts = append(hosts, strings.TrimPrefix(k, tokenKeyPrefix))
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}
