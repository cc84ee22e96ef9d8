package theme

import "themeplane/model"

// Merge applies patch on top of base. Scalars are replaced only when set.
// Each patched component is overwritten property by property, so properties
// the patch does not mention survive; components absent from the patch are
// carried over. Unknown top-level keys are kept. The result shares no
// mutable state with base or patch.
func Merge(base model.Theme, patch model.Patch) model.Theme {
	out := base.Clone()

	setString(&out.Name, patch.Name)
	setString(&out.Description, patch.Description)
	setString(&out.Author, patch.Author)
	setString(&out.Version, patch.Version)
	setString(&out.SourceURL, patch.SourceURL)

	if len(patch.Components) > 0 && out.Components == nil {
		out.Components = make(map[string]model.Component, len(patch.Components))
	}
	for name, props := range patch.Components {
		target, ok := out.Components[name]
		if !ok || target == nil {
			target = model.Component{}
			out.Components[name] = target
		}
		for key, value := range props.Clone() {
			target[key] = value
		}
	}

	if len(patch.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]any, len(patch.Extra))
		}
		for key, value := range model.Component(patch.Extra).Clone() {
			out.Extra[key] = value
		}
	}
	return out
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
