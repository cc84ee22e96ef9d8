package model

import (
	"encoding/json"
	"time"
)

// DefaultThemeID is the id of the built-in theme that always exists.
const DefaultThemeID = "default"

// Component is the open property map of one themed component. Values are
// JSON-shaped: strings, float64, bool, nil, []any and map[string]any.
type Component map[string]any

// Clone returns a deep copy of the component.
func (c Component) Clone() Component {
	if c == nil {
		return nil
	}
	out := make(Component, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

// Theme is a named mapping from qualified component name to style data.
// Top-level keys the registry does not know about are kept in Extra and
// written back out unchanged.
type Theme struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Author      string               `json:"author,omitempty"`
	Version     string               `json:"version,omitempty"`
	SourceURL   string               `json:"source_url"`
	Components  map[string]Component `json:"components"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	IsActive    bool                 `json:"is_active"`

	Extra map[string]any `json:"-"`
}

var themeKnownKeys = map[string]struct{}{
	"id": {}, "name": {}, "description": {}, "author": {}, "version": {},
	"source_url": {}, "components": {}, "created_at": {}, "updated_at": {}, "is_active": {},
}

type themeAlias Theme

func (t Theme) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(themeAlias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(t.Extra)+len(themeKnownKeys))
	for k, v := range t.Extra {
		if _, ok := themeKnownKeys[k]; ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

func (t *Theme) UnmarshalJSON(data []byte) error {
	var alias themeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := unknownKeys(data, themeKnownKeys)
	if err != nil {
		return err
	}
	*t = Theme(alias)
	t.Extra = extra
	return nil
}

// Clone returns a deep copy that shares no mutable state with t.
func (t Theme) Clone() Theme {
	out := t
	if t.Components != nil {
		out.Components = make(map[string]Component, len(t.Components))
		for name, c := range t.Components {
			out.Components[name] = c.Clone()
		}
	}
	out.Extra = cloneMap(t.Extra)
	return out
}

// Document renders the theme as the generic document shape consumed by
// structural validation. Empty id and name are left out.
func (t Theme) Document() map[string]any {
	components := make(map[string]any, len(t.Components))
	for name, c := range t.Components {
		components[name] = map[string]any(c)
	}
	doc := map[string]any{"components": components}
	if t.ID != "" {
		doc["id"] = t.ID
	}
	if t.Name != "" {
		doc["name"] = t.Name
	}
	return doc
}

// Patch is a partial theme. Nil scalar fields and a nil component map mean
// "not given".
type Patch struct {
	Name        *string              `json:"name,omitempty"`
	Description *string              `json:"description,omitempty"`
	Author      *string              `json:"author,omitempty"`
	Version     *string              `json:"version,omitempty"`
	SourceURL   *string              `json:"source_url,omitempty"`
	Components  map[string]Component `json:"components,omitempty"`

	Extra map[string]any `json:"-"`
}

var patchKnownKeys = map[string]struct{}{
	"name": {}, "description": {}, "author": {}, "version": {}, "source_url": {}, "components": {},
	// Read-only theme fields are accepted in a patch body but never applied.
	"id": {}, "created_at": {}, "updated_at": {}, "is_active": {},
}

type patchAlias Patch

func (p *Patch) UnmarshalJSON(data []byte) error {
	var alias patchAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := unknownKeys(data, patchKnownKeys)
	if err != nil {
		return err
	}
	*p = Patch(alias)
	p.Extra = extra
	return nil
}

// HistoryAction names a registry mutation recorded in history.
type HistoryAction string

const (
	ActionCreate HistoryAction = "create"
	ActionUpdate HistoryAction = "update"
	ActionDelete HistoryAction = "delete"
	ActionApply  HistoryAction = "apply"
	ActionReset  HistoryAction = "reset"
)

type HistoryEntry struct {
	Action    HistoryAction `json:"action"`
	ThemeID   string        `json:"theme_id"`
	ThemeName string        `json:"theme_name,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// AssetRecord ties a materialized asset file to the theme that owns it.
type AssetRecord struct {
	Path      string    `json:"path"`
	ThemeID   string    `json:"theme_id"`
	SourceURL string    `json:"source_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func unknownKeys(data []byte, known map[string]struct{}) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var extra map[string]any
	for k, v := range raw {
		if _, ok := known[k]; ok {
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			return nil, err
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = value
	}
	return extra, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case Component:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
