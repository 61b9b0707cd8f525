// Package namespace turns the daemon's flat list of dotted method names into
// a tree of namespaces, and routes calls on that tree back to the connection.
//
//	["core.get_version", "core.torrent.add", "core.torrent.remove"]
//
//	core ──┬── get_version()
//	       └── torrent ──┬── add()
//	                     └── remove()
//
// Lookups are explicit: Tree.Namespace("core") then Node.Call("get_version").
// A tree is built once after discovery and is read-only afterwards.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownNamespace  = errors.New("namespace: unknown namespace")
	ErrUnknownMethod     = errors.New("namespace: unknown method")
	ErrInvalidMethodName = errors.New("namespace: invalid method name")
)

// Caller performs one remote call. *rpc.Connection satisfies it, as does the
// client's middleware chain.
type Caller interface {
	Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)

func (f CallerFunc) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, method, args, kwargs)
}

// Kwargs marks keyword arguments. Passed as the last argument of Node.Call it
// is sent as the call's keyword map rather than as a positional argument.
type Kwargs map[string]any

// Node is one segment of a dotted path, e.g. "core" or "core.torrent".
type Node struct {
	name     string
	caller   Caller
	children map[string]*Node
	methods  map[string]struct{}
}

func newNode(name string, caller Caller) *Node {
	return &Node{
		name:     name,
		caller:   caller,
		children: make(map[string]*Node),
		methods:  make(map[string]struct{}),
	}
}

// Name returns the full dotted name.
func (n *Node) Name() string { return n.name }

// RegisterNamespace returns the child for segment, creating it if needed.
func (n *Node) RegisterNamespace(segment string) *Node {
	if child, ok := n.children[segment]; ok {
		return child
	}
	child := newNode(n.name+"."+segment, n.caller)
	n.children[segment] = child
	return child
}

// RegisterMethod adds a leaf method. Registering it again changes nothing.
func (n *Node) RegisterMethod(method string) {
	n.methods[method] = struct{}{}
}

// Namespace returns the direct child for segment.
func (n *Node) Namespace(segment string) (*Node, error) {
	child, ok := n.children[segment]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownNamespace, n.name, segment)
	}
	return child, nil
}

// Lookup walks a relative dotted path, e.g. "torrent" or "torrent.files".
func (n *Node) Lookup(path string) (*Node, error) {
	node := n
	for _, segment := range strings.Split(path, ".") {
		child, err := node.Namespace(segment)
		if err != nil {
			return nil, err
		}
		node = child
	}
	return node, nil
}

// HasMethod reports whether method is a leaf on this node.
func (n *Node) HasMethod(method string) bool {
	_, ok := n.methods[method]
	return ok
}

// Methods returns the leaf method names in lexical order.
func (n *Node) Methods() []string {
	return sortedKeys(n.methods)
}

// Namespaces returns the child segment names in lexical order.
func (n *Node) Namespaces() []string {
	return sortedKeys(n.children)
}

// Call invokes "<node name>.<method>". A trailing Kwargs argument becomes the
// keyword arguments; everything else is positional.
func (n *Node) Call(ctx context.Context, method string, args ...any) (any, error) {
	if !n.HasMethod(method) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, n.name, method)
	}
	positional, kwargs := splitKwargs(args)
	return n.caller.Call(ctx, n.name+"."+method, positional, kwargs)
}

func splitKwargs(args []any) ([]any, map[string]any) {
	if len(args) == 0 {
		return nil, nil
	}
	if kw, ok := args[len(args)-1].(Kwargs); ok {
		return args[:len(args)-1], map[string]any(kw)
	}
	return args, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
