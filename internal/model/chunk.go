// Package model defines the core memory data types.
package model

import (
	"encoding/json"
	"math"
)

// DefaultImportance is reported for chunks that were never scored.
const DefaultImportance = 0.5

// Chunk is a stored unit of conversational memory.
type Chunk struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	TimestampMS int64     `json:"ts"`
	Content     string    `json:"content,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Metadata    Metadata  `json:"metadata"`
	Vector      []float32 `json:"-"`
	HasVector   bool      `json:"has_vector"`
}

// Text returns the content, or the summary once the content has been cleared.
func (c Chunk) Text() string {
	if c.Content != "" {
		return c.Content
	}
	return c.Summary
}

// Metadata holds the recognized chunk metadata keys. Unknown keys are kept in
// Extra so they survive a read/write cycle.
type Metadata struct {
	Importance *float64
	Archived   bool
	Aggregated bool
	Extra      map[string]any
}

const (
	keyImportance = "importance"
	keyArchived   = "archived"
	keyAggregated = "aggregated"
)

// ImportanceOr returns the importance score or def when none was recorded.
func (m Metadata) ImportanceOr(def float64) float64 {
	if m.Importance == nil {
		return def
	}
	return *m.Importance
}

// MarshalJSON flattens the typed keys and Extra into one object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Importance != nil {
		out[keyImportance] = *m.Importance
	}
	if m.Archived {
		out[keyArchived] = true
	}
	if m.Aggregated {
		out[keyAggregated] = true
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any JSON object; recognized keys with an unexpected
// type are kept in Extra instead of failing the whole row.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		switch k {
		case keyImportance:
			if f, ok := v.(float64); ok && !math.IsNaN(f) {
				m.Importance = &f
				continue
			}
		case keyArchived:
			if flag, ok := v.(bool); ok {
				m.Archived = flag
				continue
			}
		case keyAggregated:
			if flag, ok := v.(bool); ok {
				m.Aggregated = flag
				continue
			}
		}
		if m.Extra == nil {
			m.Extra = map[string]any{}
		}
		m.Extra[k] = v
	}
	return nil
}

// MetadataPatch is a shallow partial update. Nil fields are left untouched.
type MetadataPatch struct {
	Importance *float64
	Archived   *bool
	Aggregated *bool
	Extra      map[string]any
}

// Object returns the patch as a JSON-ready map holding only the set keys.
func (p MetadataPatch) Object() map[string]any {
	out := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Importance != nil {
		out[keyImportance] = *p.Importance
	}
	if p.Archived != nil {
		out[keyArchived] = *p.Archived
	}
	if p.Aggregated != nil {
		out[keyAggregated] = *p.Aggregated
	}
	return out
}

// Empty reports whether the patch would change nothing.
func (p MetadataPatch) Empty() bool {
	return p.Importance == nil && p.Archived == nil && p.Aggregated == nil && len(p.Extra) == 0
}

// Hit is one ranked search result, as returned to callers and cached.
type Hit struct {
	ID        int64    `json:"id"`
	SessionID string   `json:"session_id"`
	Content   string   `json:"content"`
	Summary   string   `json:"summary"`
	Metadata  Metadata `json:"metadata"`
	Score     float64  `json:"score"`
}

// Text returns the content, falling back to the summary.
func (h Hit) Text() string {
	if h.Content != "" {
		return h.Content
	}
	return h.Summary
}

// Float returns a pointer to f, for optional fields.
func Float(f float64) *float64 { return &f }

// Bool returns a pointer to b, for optional fields.
func Bool(b bool) *bool { return &b }
