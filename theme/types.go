package theme

import (
	"time"

	"themeplane/model"
)

// Event describes a committed registry mutation.
type Event struct {
	Action    model.HistoryAction `json:"action"`
	ThemeID   string              `json:"theme_id"`
	ThemeName string              `json:"theme_name,omitempty"`
	CurrentID string              `json:"current_id"`
	Timestamp time.Time           `json:"timestamp"`
}

// CreateRequest describes a new theme. Components are merged over whatever
// is extracted from SourceURL.
type CreateRequest struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Author      string                     `json:"author,omitempty"`
	Version     string                     `json:"version,omitempty"`
	SourceURL   string                     `json:"source_url,omitempty"`
	Components  map[string]model.Component `json:"components,omitempty"`
}
