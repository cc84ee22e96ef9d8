// Package extract turns a design document tree into normalized component
// styles.
package extract

import (
	"errors"
	"fmt"

	"themeplane/model"
)

// DefaultMaxDepth bounds how deep a document tree may nest.
const DefaultMaxDepth = 512

var (
	ErrCyclicTree  = errors.New("design tree contains a cycle or shared node")
	ErrTreeTooDeep = errors.New("design tree exceeds maximum depth")
)

// DuplicatePolicy decides what happens when two components resolve to the
// same qualified name.
type DuplicatePolicy string

const (
	// LastWriteWins keeps the component visited last in document order.
	LastWriteWins DuplicatePolicy = "last-write-wins"
	// RejectDuplicates fails the walk with a DuplicateComponentError.
	RejectDuplicates DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy accepts the config spelling of a policy. The empty
// string selects LastWriteWins.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case "", LastWriteWins:
		return LastWriteWins, nil
	case RejectDuplicates:
		return RejectDuplicates, nil
	default:
		return "", fmt.Errorf("unknown duplicate component policy %q", s)
	}
}

type DuplicateComponentError struct {
	Name string
}

func (e *DuplicateComponentError) Error() string {
	return fmt.Sprintf("duplicate component name %q", e.Name)
}

// Walker traverses a document tree and collects the style of every
// COMPONENT node, keyed by its qualified name.
type Walker struct {
	Policy   DuplicatePolicy
	MaxDepth int
}

type frame struct {
	node   *model.Node
	prefix string
	depth  int
}

// Walk visits the tree depth-first in document order. imageFills resolves
// image paints to URLs and may be nil.
func (w Walker) Walk(root *model.Node, imageFills map[string]string) (map[string]model.ComponentStyle, error) {
	out := make(map[string]model.ComponentStyle)
	if root == nil {
		return out, nil
	}
	maxDepth := w.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	visited := make(map[*model.Node]struct{})
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := visited[f.node]; seen {
			return nil, ErrCyclicTree
		}
		visited[f.node] = struct{}{}
		if f.depth > maxDepth {
			return nil, ErrTreeTooDeep
		}

		name := f.node.Name
		if f.prefix != "" {
			name = f.prefix + "/" + f.node.Name
		}

		if f.node.Type == model.NodeTypeComponent {
			if _, dup := out[name]; dup && w.Policy == RejectDuplicates {
				return nil, &DuplicateComponentError{Name: name}
			}
			out[name] = Style(f.node, imageFills)
		}

		for i := len(f.node.Children) - 1; i >= 0; i-- {
			child := f.node.Children[i]
			if child == nil {
				continue
			}
			stack = append(stack, frame{node: child, prefix: name, depth: f.depth + 1})
		}
	}
	return out, nil
}

// Components walks the tree and returns the theme property map of every
// component.
func (w Walker) Components(root *model.Node, imageFills map[string]string) (map[string]model.Component, error) {
	styles, err := w.Walk(root, imageFills)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Component, len(styles))
	for name, style := range styles {
		out[name] = style.Properties()
	}
	return out, nil
}
