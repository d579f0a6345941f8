package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// UsageStore handles daily usage history persistence
type UsageStore struct {
	mu       sync.Mutex
	usageDir string
	now      func() time.Time
}

// NewUsageStore creates a new usage store
func NewUsageStore(usageDir string) *UsageStore {
	return &UsageStore{
		usageDir: usageDir,
		now:      time.Now,
	}
}

// UsageRecord is one key's activity on one day.
type UsageRecord struct {
	Date   string                 `json:"date"` // YYYY-MM-DD
	KeyID  string                 `json:"key_id"`
	Models map[string]*ModelUsage `json:"models"`
}

// ModelUsage counts grants and reported outcomes for one model.
type ModelUsage struct {
	Grants    int64 `json:"grants"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// RecordGrant counts a grant issued for keyID and model.
func (s *UsageStore) RecordGrant(keyID, model string) error {
	return s.update(keyID, model, func(u *ModelUsage) { u.Grants++ })
}

// RecordOutcome counts a reported call outcome.
func (s *UsageStore) RecordOutcome(keyID, model string, success bool) error {
	return s.update(keyID, model, func(u *ModelUsage) {
		if success {
			u.Successes++
		} else {
			u.Failures++
		}
	})
}

func (s *UsageStore) update(keyID, model string, fn func(*ModelUsage)) error {
	if strings.ContainsAny(keyID, `/\_`) || strings.Contains(keyID, "..") {
		return fmt.Errorf("invalid key id %q", keyID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.usageDir, 0755); err != nil {
		return fmt.Errorf("failed to create usage directory: %w", err)
	}

	today := s.now().Format("2006-01-02")
	filePath := filepath.Join(s.usageDir, fmt.Sprintf("%s_%s.json", today, keyID))

	record := UsageRecord{Date: today, KeyID: keyID}
	if data, err := os.ReadFile(filePath); err == nil {
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptRecord, filePath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read usage file: %w", err)
	}
	if record.Models == nil {
		record.Models = map[string]*ModelUsage{}
	}
	u := record.Models[model]
	if u == nil {
		u = &ModelUsage{}
		record.Models[model] = u
	}
	fn(u)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write usage file: %w", err)
	}
	return nil
}

// GetUsageHistory returns the records of the last days days, newest first.
func (s *UsageStore) GetUsageHistory(days int) ([]UsageRecord, error) {
	entries, err := os.ReadDir(s.usageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []UsageRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read usage directory: %w", err)
	}

	now := s.now()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -days)

	records := []UsageRecord{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		// YYYY-MM-DD_keyid.json
		dateStr, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		recordDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil || recordDate.Before(cutoff) {
			continue
		}

		filePath := filepath.Join(s.usageDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read usage file: %w", err)
		}
		var record UsageRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, filePath, err)
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date > records[j].Date
		}
		return records[i].KeyID < records[j].KeyID
	})
	return records, nil
}
