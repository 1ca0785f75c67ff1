package audit

import "strings"

// MaskToken replaces the value of every sensitive field.
const MaskToken = "***MASKED***"

// DefaultSensitiveFields lists the field names masked when no list is configured.
var DefaultSensitiveFields = []string{"password", "token", "secret"}

// Masker hides sensitive values inside snapshots.
type Masker struct {
	fields map[string]struct{}
}

// NewMasker builds a Masker for the given field names, matched case-insensitively.
// An empty list selects DefaultSensitiveFields.
func NewMasker(fields ...string) Masker {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			set[f] = struct{}{}
		}
	}
	if len(set) == 0 {
		for _, f := range DefaultSensitiveFields {
			set[f] = struct{}{}
		}
	}
	return Masker{fields: set}
}

// Fields returns the configured field names.
func (m Masker) Fields() []string {
	out := make([]string, 0, len(m.fields))
	for f := range m.fields {
		out = append(out, f)
	}
	return out
}

// Mask returns a copy of data with sensitive values replaced by MaskToken.
// Nested maps and slices of maps are walked. The input is never modified and
// keys absent from the input stay absent.
func (m Masker) Mask(data Snapshot) Snapshot {
	if data == nil {
		return nil
	}
	if m.fields == nil {
		m = NewMasker()
	}
	out := make(Snapshot, len(data))
	for k, v := range data {
		if m.sensitive(k) {
			out[k] = MaskToken
			continue
		}
		out[k] = m.maskValue(v)
	}
	return out
}

// MaskChanges masks both sides independently.
func (m Masker) MaskChanges(c Changes) Changes {
	return Changes{Before: m.Mask(c.Before), After: m.Mask(c.After)}
}

func (m Masker) sensitive(key string) bool {
	_, ok := m.fields[strings.ToLower(key)]
	return ok
}

func (m Masker) maskValue(v any) any {
	switch val := v.(type) {
	case Snapshot:
		return m.Mask(val)
	case map[string]any:
		return map[string]any(m.Mask(Snapshot(val)))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.maskValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = map[string]any(m.Mask(Snapshot(item)))
		}
		return out
	default:
		return v
	}
}

// MaskSensitiveData masks data with the default field list.
func MaskSensitiveData(data Snapshot) Snapshot {
	return NewMasker().Mask(data)
}
