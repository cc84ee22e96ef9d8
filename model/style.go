package model

// ComponentStyle is the normalized style of one design component.
type ComponentStyle struct {
	Fill            *FillStyle        `json:"fill,omitempty"`
	Stroke          *StrokeStyle      `json:"stroke,omitempty"`
	Effects         []EffectStyle     `json:"effects"`
	Layout          Layout            `json:"layout"`
	BackgroundImage string            `json:"backgroundImage,omitempty"`
	Images          map[string]string `json:"images,omitempty"`
}

type FillStyle struct {
	Type    string  `json:"type"`
	Color   string  `json:"color"`
	Opacity float64 `json:"opacity"`
}

type StrokeStyle struct {
	Color   string  `json:"color"`
	Weight  float64 `json:"weight"`
	Opacity float64 `json:"opacity"`
}

type EffectStyle struct {
	Type    string  `json:"type"`
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
	Radius  float64 `json:"radius"`
	Color   string  `json:"color"`
	Opacity float64 `json:"opacity"`
}

// Layout carries the box metrics of a component. Width and Height stay nil
// when the source node has no bounding box.
type Layout struct {
	Width   *float64 `json:"width"`
	Height  *float64 `json:"height"`
	Padding Padding  `json:"padding"`
	Spacing float64  `json:"spacing"`
}

type Padding struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// Component property keys that reference remote images.
const (
	PropBackgroundImage = "backgroundImage"
	PropImages          = "images"
)

// Properties converts the style into the open property map stored in a
// theme. Only JSON-shaped values are produced.
func (s ComponentStyle) Properties() Component {
	props := Component{
		"effects": effectsProperty(s.Effects),
		"layout":  layoutProperty(s.Layout),
	}
	if s.Fill != nil {
		props["fill"] = map[string]any{
			"type":    s.Fill.Type,
			"color":   s.Fill.Color,
			"opacity": s.Fill.Opacity,
		}
	}
	if s.Stroke != nil {
		props["stroke"] = map[string]any{
			"color":   s.Stroke.Color,
			"weight":  s.Stroke.Weight,
			"opacity": s.Stroke.Opacity,
		}
	}
	if s.BackgroundImage != "" {
		props[PropBackgroundImage] = s.BackgroundImage
	}
	if len(s.Images) > 0 {
		images := make(map[string]any, len(s.Images))
		for name, url := range s.Images {
			images[name] = url
		}
		props[PropImages] = images
	}
	return props
}

func effectsProperty(effects []EffectStyle) []any {
	out := make([]any, 0, len(effects))
	for _, e := range effects {
		out = append(out, map[string]any{
			"type":    e.Type,
			"offsetX": e.OffsetX,
			"offsetY": e.OffsetY,
			"radius":  e.Radius,
			"color":   e.Color,
			"opacity": e.Opacity,
		})
	}
	return out
}

func layoutProperty(l Layout) map[string]any {
	out := map[string]any{
		"width":  nil,
		"height": nil,
		"padding": map[string]any{
			"top":    l.Padding.Top,
			"right":  l.Padding.Right,
			"bottom": l.Padding.Bottom,
			"left":   l.Padding.Left,
		},
		"spacing": l.Spacing,
	}
	if l.Width != nil {
		out["width"] = *l.Width
	}
	if l.Height != nil {
		out["height"] = *l.Height
	}
	return out
}
