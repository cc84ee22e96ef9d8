// Package model holds the data types shared by the extraction pipeline,
// the asset pipeline and the theme registry.
package model

// Node is one element of a design document tree as served by the Figma
// files API. Only the attributes the style extractor reads are decoded.
type Node struct {
	ID                  string   `json:"id,omitempty"`
	Name                string   `json:"name"`
	Type                string   `json:"type"`
	Children            []*Node  `json:"children,omitempty"`
	Fills               []Paint  `json:"fills,omitempty"`
	Strokes             []Paint  `json:"strokes,omitempty"`
	StrokeWeight        *float64 `json:"strokeWeight,omitempty"`
	Effects             []Effect `json:"effects,omitempty"`
	AbsoluteBoundingBox *Rect    `json:"absoluteBoundingBox,omitempty"`
	PaddingTop          *float64 `json:"paddingTop,omitempty"`
	PaddingRight        *float64 `json:"paddingRight,omitempty"`
	PaddingBottom       *float64 `json:"paddingBottom,omitempty"`
	PaddingLeft         *float64 `json:"paddingLeft,omitempty"`
	ItemSpacing         *float64 `json:"itemSpacing,omitempty"`
}

// NodeTypeComponent marks nodes that contribute an entry to a theme.
const NodeTypeComponent = "COMPONENT"

// Paint is a fill or stroke entry.
type Paint struct {
	Type         string   `json:"type"`
	Visible      *bool    `json:"visible,omitempty"`
	Opacity      *float64 `json:"opacity,omitempty"`
	Color        *Color   `json:"color,omitempty"`
	ImageRef     string   `json:"imageRef,omitempty"`
	StrokeWeight *float64 `json:"strokeWeight,omitempty"`
}

// Effect is a shadow or blur attached to a node.
type Effect struct {
	Type    string   `json:"type"`
	Visible *bool    `json:"visible,omitempty"`
	Offset  *Vector  `json:"offset,omitempty"`
	Radius  *float64 `json:"radius,omitempty"`
	Color   *Color   `json:"color,omitempty"`
	Opacity *float64 `json:"opacity,omitempty"`
}

// Color is a normalized RGBA color, each channel in [0,1].
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a,omitempty"`
}

type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Rect struct {
	X      float64  `json:"x"`
	Y      float64  `json:"y"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
}
