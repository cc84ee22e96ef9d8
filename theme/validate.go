package theme

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"themeplane/model"
)

// RequiredComponents are the component keys every theme must define.
var RequiredComponents = []string{
	"app", "navbar", "sidebar", "button", "card", "input", "modal", "toast", "loading",
}

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	required := make([]string, len(RequiredComponents))
	for i, key := range RequiredComponents {
		required[i] = fmt.Sprintf("%q", key)
	}
	doc := `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "components"],
  "properties": {
    "components": {
      "type": "object",
      "required": [` + strings.Join(required, ", ") + `]
    }
  }
}`
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
})

// Validate reports whether doc has an id, a name and every required
// component. Only presence is checked: values may have any type and extra
// keys are allowed.
func Validate(doc map[string]any) bool {
	return Check(doc) == nil
}

// Check is Validate with diagnostics: it returns a *model.ValidationError
// listing the missing fields, components as "components.<key>".
func Check(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile theme schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return &model.ValidationError{Reason: "theme document is not valid JSON", Cause: err}
	}
	if result.Valid() {
		return nil
	}

	var missing, problems []string
	for _, re := range result.Errors() {
		if re.Type() == "required" {
			prop, _ := re.Details()["property"].(string)
			missing = append(missing, qualify(re.Field(), prop))
			continue
		}
		problems = append(problems, re.Field()+": "+re.Description())
	}
	sort.Strings(missing)
	sort.Strings(problems)

	reason := "theme is missing required fields"
	if len(problems) > 0 {
		reason = "theme structure is invalid: " + strings.Join(problems, "; ")
	}
	return &model.ValidationError{Reason: reason, MissingFields: missing}
}

func qualify(field, prop string) string {
	if field == "" || field == "(root)" {
		return prop
	}
	return field + "." + prop
}
