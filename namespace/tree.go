package namespace

import (
	"context"
	"fmt"
	"strings"
)

// Method is a resolved entry of the dispatch table.
type Method struct {
	Name string // full dotted name
	node *Node
	leaf string
}

// Call invokes the method; see Node.Call for argument handling.
func (m *Method) Call(ctx context.Context, args ...any) (any, error) {
	return m.node.Call(ctx, m.leaf, args...)
}

// Tree holds the top-level namespaces plus a dispatch table keyed by full
// method name, both built once from the discovered method list.
type Tree struct {
	caller  Caller
	roots   map[string]*Node
	methods map[string]*Method
	order   []string // discovery order, without duplicates
}

func NewTree(caller Caller) *Tree {
	return &Tree{
		caller:  caller,
		roots:   make(map[string]*Node),
		methods: make(map[string]*Method),
	}
}

// Build creates a tree from dotted method names. Names in any order work,
// duplicates are ignored, and names that cannot be placed (no namespace,
// empty segments) are skipped and returned in the error.
func Build(caller Caller, names []string) (*Tree, error) {
	t := NewTree(caller)
	var invalid []string
	for _, name := range names {
		if err := t.Add(name); err != nil {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return t, fmt.Errorf("%w: %q", ErrInvalidMethodName, invalid)
	}
	return t, nil
}

// Add registers one dotted method name, creating intermediate namespaces.
func (t *Tree) Add(name string) error {
	segments := strings.Split(name, ".")
	if len(segments) < 2 {
		return fmt.Errorf("%w: %q has no namespace", ErrInvalidMethodName, name)
	}
	for _, s := range segments {
		if s == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidMethodName, name)
		}
	}
	if _, ok := t.methods[name]; ok {
		return nil
	}

	path, leaf := segments[:len(segments)-1], segments[len(segments)-1]
	node, ok := t.roots[path[0]]
	if !ok {
		node = newNode(path[0], t.caller)
		t.roots[path[0]] = node
	}
	for _, segment := range path[1:] {
		node = node.RegisterNamespace(segment)
	}
	node.RegisterMethod(leaf)

	t.methods[name] = &Method{Name: name, node: node, leaf: leaf}
	t.order = append(t.order, name)
	return nil
}

// Namespace returns a top-level namespace, or a nested one for a dotted path.
func (t *Tree) Namespace(path string) (*Node, error) {
	root, rest, nested := strings.Cut(path, ".")
	node, ok := t.roots[root]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, root)
	}
	if !nested {
		return node, nil
	}
	return node.Lookup(rest)
}

// Method looks up a full dotted method name in the dispatch table.
func (t *Tree) Method(name string) (*Method, error) {
	m, ok := t.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, name)
	}
	return m, nil
}

// Call invokes a method by its full dotted name.
func (t *Tree) Call(ctx context.Context, name string, args ...any) (any, error) {
	m, err := t.Method(name)
	if err != nil {
		return nil, err
	}
	return m.Call(ctx, args...)
}

// Roots returns the top-level namespace names in lexical order.
func (t *Tree) Roots() []string {
	return sortedKeys(t.roots)
}

// Methods returns every registered method name in discovery order.
func (t *Tree) Methods() []string {
	return append([]string(nil), t.order...)
}
