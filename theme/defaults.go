package theme

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"themeplane/model"
)

//go:embed default_theme.json
var defaultThemeJSON []byte

// LoadDefault returns the built-in default theme, or the theme at path when
// path is set. JSON and YAML files are accepted. The result always has id
// "default" and passes Check.
func LoadDefault(path string) (model.Theme, error) {
	data := defaultThemeJSON
	format := ".json"
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return model.Theme{}, fmt.Errorf("read default theme: %w", err)
		}
		data = raw
		format = strings.ToLower(filepath.Ext(path))
	}

	t, err := decodeTheme(data, format)
	if err != nil {
		return model.Theme{}, fmt.Errorf("decode default theme: %w", err)
	}
	if t.ID == "" {
		t.ID = model.DefaultThemeID
	}
	if t.ID != model.DefaultThemeID {
		return model.Theme{}, fmt.Errorf("default theme must have id %q, got %q", model.DefaultThemeID, t.ID)
	}
	if err := Check(t.Document()); err != nil {
		return model.Theme{}, fmt.Errorf("default theme: %w", err)
	}
	return t, nil
}

// DecodeTheme parses a theme document in JSON or YAML. format is a file
// extension such as ".yaml"; anything else is read as JSON.
func DecodeTheme(data []byte, format string) (model.Theme, error) {
	return decodeTheme(data, strings.ToLower(format))
}

func decodeTheme(data []byte, format string) (model.Theme, error) {
	if format == ".yaml" || format == ".yml" {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return model.Theme{}, err
		}
		// Round trip through JSON so unknown keys land in Extra.
		raw, err := json.Marshal(doc)
		if err != nil {
			return model.Theme{}, err
		}
		data = raw
	}
	var t model.Theme
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Theme{}, err
	}
	return t, nil
}
