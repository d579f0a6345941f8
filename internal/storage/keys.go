package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/antigravity/keypool/internal/models"
	"github.com/antigravity/keypool/internal/quota"
)

// KeyStore persists key records as one JSON file per key.
type KeyStore struct {
	mu      sync.Mutex
	keysDir string
}

// NewKeyStore creates a new key store
func NewKeyStore(keysDir string) *KeyStore {
	return &KeyStore{
		keysDir: keysDir,
	}
}

// SaveKey writes a key to its file, replacing any previous version.
func (s *KeyStore) SaveKey(_ context.Context, key quota.KeySnapshot) error {
	filePath, err := s.path(key.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(EncodeKey(key), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.keysDir, 0755); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}

// LoadKey reads one key.
func (s *KeyStore) LoadKey(id string) (quota.KeySnapshot, error) {
	filePath, err := s.path(id)
	if err != nil {
		return quota.KeySnapshot{}, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return quota.KeySnapshot{}, fmt.Errorf("%w: %s", quota.ErrKeyNotFound, id)
		}
		return quota.KeySnapshot{}, fmt.Errorf("failed to read key file: %w", err)
	}
	return decodeFile(filePath, data)
}

// LoadKeys reads every key file. A file that cannot be decoded fails the
// whole load.
func (s *KeyStore) LoadKeys(_ context.Context) ([]quota.KeySnapshot, error) {
	entries, err := os.ReadDir(s.keysDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []quota.KeySnapshot{}, nil
		}
		return nil, fmt.Errorf("failed to read keys directory: %w", err)
	}

	var keys []quota.KeySnapshot
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		filePath := filepath.Join(s.keysDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		key, err := decodeFile(filePath, data)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Seq < keys[j].Seq })
	return keys, nil
}

// DeleteKey removes a key file. Deleting a missing key is not an error.
func (s *KeyStore) DeleteKey(_ context.Context, id string) error {
	filePath, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

func (s *KeyStore) path(id string) (string, error) {
	// Reject ids with dangerous path characters
	if id == "" || strings.Contains(id, "/") || strings.Contains(id, "\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid key id %q", id)
	}
	return filepath.Join(s.keysDir, id+".json"), nil
}

func decodeFile(filePath string, data []byte) (quota.KeySnapshot, error) {
	var doc models.KeyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return quota.KeySnapshot{}, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, filePath, err)
	}
	key, err := DecodeKey(doc)
	if err != nil {
		return quota.KeySnapshot{}, fmt.Errorf("%s: %w", filePath, err)
	}
	return key, nil
}
