package theme

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"themeplane/model"
)

// pixelKeys are numeric properties rendered as CSS lengths.
var pixelKeys = map[string]bool{
	"width": true, "height": true, "top": true, "right": true, "bottom": true, "left": true,
	"spacing": true, "radius": true, "weight": true, "offsetx": true, "offsety": true,
}

// RenderCSS renders t as CSS custom properties on :root, one variable per
// scalar component property, e.g. --button-fill-color. Output is sorted.
func RenderCSS(t model.Theme) string {
	var decls []string
	for name, c := range t.Components {
		flatten(&decls, []string{name}, map[string]any(c))
	}
	sort.Strings(decls)

	var b strings.Builder
	fmt.Fprintf(&b, "/* Theme: %s (%s) */\n", commentSafe(t.Name), commentSafe(t.ID))
	b.WriteString(":root {\n")
	for _, d := range decls {
		b.WriteString("  ")
		b.WriteString(d)
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return b.String()
}

func flatten(decls *[]string, path []string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			flatten(decls, append(path[:len(path):len(path)], k), item)
		}
	case model.Component:
		flatten(decls, path, map[string]any(val))
	case map[string]string:
		for k, s := range val {
			flatten(decls, append(path[:len(path):len(path)], k), s)
		}
	case []any:
		for i, item := range val {
			flatten(decls, append(path[:len(path):len(path)], strconv.Itoa(i)), item)
		}
	default:
		value, ok := cssValue(path, val)
		if !ok {
			return
		}
		*decls = append(*decls, "--"+varName(path)+": "+value+";")
	}
}

func cssValue(path []string, v any) (string, bool) {
	last := strings.ToLower(path[len(path)-1])
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		if val == "" || strings.ContainsAny(val, ";{}<>\\\n\r") {
			return "", false
		}
		if last == strings.ToLower(model.PropBackgroundImage) || (len(path) > 2 && strings.EqualFold(path[len(path)-2], model.PropImages)) {
			return `url("` + strings.ReplaceAll(val, `"`, `%22`) + `")`, true
		}
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		s := strconv.FormatFloat(val, 'f', -1, 64)
		if pixelKeys[last] && val != 0 {
			s += "px"
		}
		return s, true
	case int:
		return cssValue(path, float64(val))
	default:
		return "", false
	}
}

func varName(path []string) string {
	parts := make([]string, 0, len(path))
	for _, p := range path {
		if s := slug(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "-")
}

// slug lowercases s, splits camelCase and replaces anything outside
// [a-z0-9] with dashes.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			if i > 0 && !dash {
				b.WriteByte('-')
			}
			b.WriteRune(r + ('a' - 'A'))
			dash = false
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func commentSafe(s string) string {
	return strings.ReplaceAll(s, "*/", "* /")
}
