package extract

import (
	"strings"

	"themeplane/model"
)

const paintSolid = "SOLID"
const paintImage = "IMAGE"

var black = model.Color{}

// Style normalizes the style attributes of a single node. imageFills maps
// Figma image references to downloadable URLs and may be nil.
func Style(n *model.Node, imageFills map[string]string) model.ComponentStyle {
	style := model.ComponentStyle{
		Fill:    fill(n.Fills),
		Stroke:  stroke(n),
		Effects: effects(n.Effects),
		Layout:  layout(n),
	}
	if url := imageFill(n.Fills, imageFills); url != "" {
		style.BackgroundImage = url
	}
	return style
}

func fill(fills []model.Paint) *model.FillStyle {
	if len(fills) == 0 {
		return nil
	}
	first := fills[0]
	if !visible(first.Visible) || first.Type != paintSolid {
		return nil
	}
	return &model.FillStyle{
		Type:    strings.ToLower(first.Type),
		Color:   ToHex(colorOr(first.Color, black)),
		Opacity: valueOr(first.Opacity, 1),
	}
}

func imageFill(fills []model.Paint, imageFills map[string]string) string {
	if len(fills) == 0 || imageFills == nil {
		return ""
	}
	first := fills[0]
	if !visible(first.Visible) || first.Type != paintImage || first.ImageRef == "" {
		return ""
	}
	return imageFills[first.ImageRef]
}

func stroke(n *model.Node) *model.StrokeStyle {
	if len(n.Strokes) == 0 {
		return nil
	}
	first := n.Strokes[0]
	weight := 1.0
	switch {
	case first.StrokeWeight != nil:
		weight = *first.StrokeWeight
	case n.StrokeWeight != nil:
		weight = *n.StrokeWeight
	}
	return &model.StrokeStyle{
		Color:   ToHex(colorOr(first.Color, black)),
		Weight:  weight,
		Opacity: valueOr(first.Opacity, 1),
	}
}

func effects(in []model.Effect) []model.EffectStyle {
	out := make([]model.EffectStyle, 0, len(in))
	for _, e := range in {
		if !visible(e.Visible) {
			continue
		}
		style := model.EffectStyle{
			Type:    strings.ToLower(e.Type),
			Radius:  valueOr(e.Radius, 0),
			Color:   ToHex(colorOr(e.Color, black)),
			Opacity: valueOr(e.Opacity, 1),
		}
		if e.Offset != nil {
			style.OffsetX = e.Offset.X
			style.OffsetY = e.Offset.Y
		}
		out = append(out, style)
	}
	return out
}

func layout(n *model.Node) model.Layout {
	l := model.Layout{
		Padding: model.Padding{
			Top:    valueOr(n.PaddingTop, 0),
			Right:  valueOr(n.PaddingRight, 0),
			Bottom: valueOr(n.PaddingBottom, 0),
			Left:   valueOr(n.PaddingLeft, 0),
		},
		Spacing: valueOr(n.ItemSpacing, 0),
	}
	if box := n.AbsoluteBoundingBox; box != nil {
		l.Width = copyFloat(box.Width)
		l.Height = copyFloat(box.Height)
	}
	return l
}

func visible(v *bool) bool {
	return v == nil || *v
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func colorOr(c *model.Color, def model.Color) model.Color {
	if c == nil {
		return def
	}
	return *c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
