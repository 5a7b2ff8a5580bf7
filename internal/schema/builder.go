// Package schema infers a JSON-Schema-like shape for each record stream
// from example payloads. This is inference, not validation: conflicting
// observations widen the inferred shape, they never fail.
package schema

import (
	"math"
	"sort"
)

// Builder accumulates one evolving shape per stream. It is not safe for
// concurrent use; each collector owns its own Builder.
type Builder struct {
	streams map[string]*node
}

func NewBuilder() *Builder {
	return &Builder{streams: make(map[string]*node)}
}

// AddExample folds one record payload into the named stream's shape.
// Unknown streams start from an empty object shape.
func (b *Builder) AddExample(stream string, payload map[string]any) {
	n, ok := b.streams[stream]
	if !ok {
		// Seed the stream with an empty object shape. The seed marks the
		// shape as an object but does not count as an observation, so it
		// cannot disturb the required-property intersection.
		n = newNode()
		n.object = true
		n.properties = make(map[string]*node)
		n.propCounts = make(map[string]int)
		b.streams[stream] = n
	}
	n.observeObject(payload)
}

// ExportAll returns the finalized schema for every stream that received
// at least one example. Object property keys serialize in lexicographic
// order: schemas are map-backed and encoding/json sorts map keys.
func (b *Builder) ExportAll() map[string]map[string]any {
	out := make(map[string]map[string]any, len(b.streams))
	for stream, n := range b.streams {
		out[stream] = n.schema().(map[string]any)
	}
	return out
}

// node is the accumulated shape of one value position. A position may
// have observed scalar types, an object shape, an array item shape, or
// any combination across examples.
type node struct {
	scalars map[string]bool

	object     bool
	objectSeen int
	properties map[string]*node
	propCounts map[string]int
	array      bool
	items      *node
}

func newNode() *node {
	return &node{scalars: make(map[string]bool)}
}

func (n *node) observe(v any) {
	switch val := v.(type) {
	case map[string]any:
		n.observeObject(val)
	case []any:
		n.array = true
		if n.items == nil {
			n.items = newNode()
		}
		for _, item := range val {
			n.items.observe(item)
		}
	case string:
		n.scalars["string"] = true
	case bool:
		n.scalars["boolean"] = true
	case float64:
		if math.Trunc(val) == val && !math.IsInf(val, 0) {
			n.scalars["integer"] = true
		} else {
			n.scalars["number"] = true
		}
	case nil:
		n.scalars["null"] = true
	default:
		// json.Unmarshal into any never produces other types.
	}
}

func (n *node) observeObject(obj map[string]any) {
	n.object = true
	n.objectSeen++
	if n.properties == nil {
		n.properties = make(map[string]*node)
		n.propCounts = make(map[string]int)
	}
	for k, v := range obj {
		child, ok := n.properties[k]
		if !ok {
			child = newNode()
			n.properties[k] = child
		}
		n.propCounts[k]++
		child.observe(v)
	}
}

// schema renders the accumulated shape as a JSON-compatible value.
func (n *node) schema() any {
	var types []string
	for t := range n.scalars {
		types = append(types, t)
	}
	if n.array {
		types = append(types, "array")
	}
	if n.object {
		types = append(types, "object")
	}
	sort.Strings(types)

	out := make(map[string]any)
	switch len(types) {
	case 0:
		return out
	case 1:
		out["type"] = types[0]
	default:
		out["type"] = types
	}

	if n.object {
		props := make(map[string]any, len(n.properties))
		for k, child := range n.properties {
			props[k] = child.schema()
		}
		out["properties"] = props

		// Required is the intersection: present in every observed object.
		var required []string
		for k, count := range n.propCounts {
			if count == n.objectSeen {
				required = append(required, k)
			}
		}
		if len(required) > 0 {
			sort.Strings(required)
			out["required"] = required
		}
	}

	if n.array && n.items != nil {
		out["items"] = n.items.schema()
	}

	return out
}
