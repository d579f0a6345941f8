package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/antigravity/keypool/internal/models"
	"github.com/antigravity/keypool/internal/quota"
)

// ErrCorruptRecord is returned when a persisted key cannot be decoded
// into a consistent record.
var ErrCorruptRecord = errors.New("storage: corrupt record")

// EncodeKey converts a key snapshot into its persisted document.
func EncodeKey(s quota.KeySnapshot) models.KeyDocument {
	doc := models.KeyDocument{
		ID:              s.ID,
		Secret:          s.Secret,
		Scope:           string(s.Scope.Kind),
		TenantID:        s.Scope.TenantID,
		Active:          s.Active,
		Priority:        s.Priority,
		Seq:             s.Seq,
		Verified:        s.Verified,
		ValidationError: s.ValidationError,
		CreatedAt:       s.CreatedAt.UnixMilli(),
		Models:          make([]models.ModelDocument, 0, len(s.Models)),
	}
	for _, m := range s.Models {
		doc.Models = append(doc.Models, EncodeModel(m))
	}
	return doc
}

// EncodeModel converts one model snapshot into its document form.
func EncodeModel(m quota.ModelSnapshot) models.ModelDocument {
	doc := models.ModelDocument{
		Model:    m.ID,
		Enabled:  m.Enabled,
		Priority: m.Priority,
		Seq:      m.Seq,
		RPM:      encodeWindow(m.Windows[quota.Minute]),
		RPH:      encodeWindow(m.Windows[quota.Hour]),
		RPD:      encodeWindow(m.Windows[quota.Day]),
		Usage: models.UsageDocument{
			Used:  m.Usage.Used,
			Limit: m.Usage.Limit,
			Since: unixMilli(m.Usage.Since),
		},
	}
	if h := m.Health; h != (quota.Health{}) {
		doc.ErrorTracking = &models.ErrorTracking{
			Successes:           h.Successes,
			Failures:            h.Failures,
			ConsecutiveFailures: h.ConsecutiveFailures,
			LastError:           h.LastError,
			LastErrorTime:       unixMilli(h.LastErrorAt),
			LastSuccessTime:     unixMilli(h.LastSuccessAt),
		}
	}
	return doc
}

func encodeWindow(w quota.Window) models.WindowDocument {
	return models.WindowDocument{
		Used:        w.Used,
		Limit:       w.Limit,
		WindowStart: unixMilli(w.Start),
	}
}

// DecodeKey converts a persisted document back into a key snapshot.
// Anything that would break the window invariants is rejected with
// ErrCorruptRecord rather than coerced. A scope whose tenant assignment
// disagrees with its kind is passed through so the pool can reject it.
func DecodeKey(doc models.KeyDocument) (quota.KeySnapshot, error) {
	if doc.ID == "" {
		return quota.KeySnapshot{}, fmt.Errorf("%w: missing key id", ErrCorruptRecord)
	}
	kind := quota.ScopeKind(doc.Scope)
	if kind != quota.ScopeCentral && kind != quota.ScopeTenant {
		return quota.KeySnapshot{}, fmt.Errorf("%w: key %s: unknown scope %q", ErrCorruptRecord, doc.ID, doc.Scope)
	}
	if doc.Priority < 0 {
		return quota.KeySnapshot{}, fmt.Errorf("%w: key %s: negative priority", ErrCorruptRecord, doc.ID)
	}

	s := quota.KeySnapshot{
		ID:              doc.ID,
		Secret:          doc.Secret,
		Scope:           quota.Scope{Kind: kind, TenantID: doc.TenantID},
		Active:          doc.Active,
		Priority:        doc.Priority,
		Seq:             doc.Seq,
		Verified:        doc.Verified,
		ValidationError: doc.ValidationError,
		CreatedAt:       fromUnixMilli(&doc.CreatedAt),
		Models:          make([]quota.ModelSnapshot, 0, len(doc.Models)),
	}
	seen := make(map[string]bool, len(doc.Models))
	for _, md := range doc.Models {
		if md.Model == "" {
			return quota.KeySnapshot{}, fmt.Errorf("%w: key %s: model without identifier", ErrCorruptRecord, doc.ID)
		}
		if seen[md.Model] {
			return quota.KeySnapshot{}, fmt.Errorf("%w: key %s: duplicate model %s", ErrCorruptRecord, doc.ID, md.Model)
		}
		seen[md.Model] = true
		m, err := decodeModel(md)
		if err != nil {
			return quota.KeySnapshot{}, fmt.Errorf("%w: key %s: model %s: %v", ErrCorruptRecord, doc.ID, md.Model, err)
		}
		s.Models = append(s.Models, m)
	}
	return s, nil
}

func decodeModel(doc models.ModelDocument) (quota.ModelSnapshot, error) {
	if doc.Priority < 0 {
		return quota.ModelSnapshot{}, errors.New("negative priority")
	}
	m := quota.ModelSnapshot{
		ID:       doc.Model,
		Enabled:  doc.Enabled,
		Priority: doc.Priority,
		Seq:      doc.Seq,
		Usage: quota.Usage{
			Used:  doc.Usage.Used,
			Limit: doc.Usage.Limit,
			Since: fromUnixMilli(doc.Usage.Since),
		},
	}
	windows := [...]models.WindowDocument{doc.RPM, doc.RPH, doc.RPD}
	for _, h := range quota.Horizons {
		w, err := decodeWindow(h, windows[h])
		if err != nil {
			return quota.ModelSnapshot{}, err
		}
		m.Windows[h] = w
	}
	if et := doc.ErrorTracking; et != nil {
		m.Health = quota.Health{
			Successes:           et.Successes,
			Failures:            et.Failures,
			ConsecutiveFailures: et.ConsecutiveFailures,
			LastError:           et.LastError,
			LastErrorAt:         fromUnixMilli(et.LastErrorTime),
			LastSuccessAt:       fromUnixMilli(et.LastSuccessTime),
		}
	}
	return m, nil
}

func decodeWindow(h quota.Horizon, doc models.WindowDocument) (quota.Window, error) {
	switch {
	case doc.Used < 0 || doc.Limit < 0:
		return quota.Window{}, fmt.Errorf("%s window has negative counters (%d/%d)", h, doc.Used, doc.Limit)
	case doc.Used > doc.Limit:
		return quota.Window{}, fmt.Errorf("%s window used %d exceeds limit %d", h, doc.Used, doc.Limit)
	case doc.Used > 0 && doc.WindowStart == nil:
		return quota.Window{}, fmt.Errorf("%s window consumed without a start", h)
	}
	return quota.Window{
		Horizon: h,
		Used:    doc.Used,
		Limit:   doc.Limit,
		Start:   fromUnixMilli(doc.WindowStart),
	}, nil
}

func unixMilli(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromUnixMilli(ms *int64) time.Time {
	if ms == nil || *ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(*ms).UTC()
}
