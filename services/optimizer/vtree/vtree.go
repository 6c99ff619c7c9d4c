// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vtree implements a YAML-shaped value sum type with key-ordered
// maps, plus the overlay and merge algorithms shared by the values-patch
// builder and the bundle applier.
//
// Overlay computes the minimal patch turning one tree into another;
// Merge applies such a patch. For a normalized overlay o,
// Overlay(base, Merge(base, o)) equals o.
package vtree

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Value
// =============================================================================

// Kind discriminates the variants of Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// MapEntry is one key/value pair of a map value. Entry order is the
// YAML document order and is preserved through overlay and merge.
type MapEntry struct {
	Key string
	Val Value
}

// Value is a YAML-decoded tree node. The zero Value is null.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	List  []Value
	Map   []MapEntry
}

// Null returns the null value.
func Null() Value { return Value{} }

// BoolVal wraps a bool.
func BoolVal(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntVal wraps an integer.
func IntVal(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatVal wraps a float.
func FloatVal(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// StringVal wraps a string.
func StringVal(s string) Value { return Value{Kind: KindString, Str: s} }

// ListVal wraps a list of values.
func ListVal(items ...Value) Value { return Value{Kind: KindList, List: items} }

// MapVal wraps map entries in the given order.
func MapVal(entries ...MapEntry) Value { return Value{Kind: KindMap, Map: entries} }

// IsMap reports whether the value is a map.
func (v Value) IsMap() bool { return v.Kind == KindMap }

// Empty reports whether the value is null or a map with no entries.
// An empty overlay means "no change".
func (v Value) Empty() bool {
	return v.Kind == KindNull || (v.Kind == KindMap && len(v.Map) == 0)
}

// Get returns the value stored under key in a map value.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Map {
		if e.Key == key {
			return e.Val, true
		}
	}
	return Value{}, false
}

// Set stores val under key, replacing an existing entry in place or
// appending a new one. The receiver must be a map (or null, which is
// promoted to an empty map).
func (v *Value) Set(key string, val Value) {
	if v.Kind == KindNull {
		v.Kind = KindMap
	}
	for i, e := range v.Map {
		if e.Key == key {
			v.Map[i].Val = val
			return
		}
	}
	v.Map = append(v.Map, MapEntry{Key: key, Val: val})
}

// Equal reports deep equality. Map comparison ignores entry order;
// list comparison does not.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == other.Bool
	case KindInt:
		return v.Int == other.Int
	case KindFloat:
		return v.Float == other.Float
	case KindString:
		return v.Str == other.Str
	case KindList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(other.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(other.Map) {
			return false
		}
		for _, e := range v.Map {
			ov, ok := other.Get(e.Key)
			if !ok || !e.Val.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// =============================================================================
// YAML Codec
// =============================================================================

// FromYAML parses YAML into a Value, preserving map key order. An
// empty document decodes to null.
func FromYAML(data []byte) (Value, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Value{}, fmt.Errorf("parse yaml: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return Null(), nil
	}
	return fromNode(root.Content[0])
}

// FromYAMLMap parses YAML and requires the document root to be a map.
// Used where structure loss must fail closed rather than degrade.
func FromYAMLMap(data []byte) (Value, error) {
	v, err := FromYAML(data)
	if err != nil {
		return Value{}, err
	}
	if v.Kind == KindNull {
		return MapVal(), nil
	}
	if v.Kind != KindMap {
		return Value{}, fmt.Errorf("document root must be a mapping, got %s", v.Kind)
	}
	return v, nil
}

func fromNode(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return fromNode(node.Alias)
	case yaml.MappingNode:
		entries := make([]MapEntry, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			val, err := fromNode(node.Content[i+1])
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, MapEntry{Key: node.Content[i].Value, Val: val})
		}
		return Value{Kind: KindMap, Map: entries}, nil
	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, child := range node.Content {
			val, err := fromNode(child)
			if err != nil {
				return Value{}, err
			}
			items = append(items, val)
		}
		return Value{Kind: KindList, List: items}, nil
	case yaml.ScalarNode:
		return fromScalar(node)
	default:
		return Value{}, fmt.Errorf("unsupported yaml node kind %d at line %d", node.Kind, node.Line)
	}
}

func fromScalar(node *yaml.Node) (Value, error) {
	switch node.Tag {
	case "!!null", "":
		return Null(), nil
	case "!!bool":
		b, err := strconv.ParseBool(strings.ToLower(node.Value))
		if err != nil {
			return Value{}, fmt.Errorf("bad bool %q at line %d", node.Value, node.Line)
		}
		return BoolVal(b), nil
	case "!!int":
		i, err := strconv.ParseInt(node.Value, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("bad int %q at line %d", node.Value, node.Line)
		}
		return IntVal(i), nil
	case "!!float":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return Value{}, fmt.Errorf("bad float %q at line %d", node.Value, node.Line)
		}
		return FloatVal(f), nil
	default:
		// !!str and any custom tag degrade to string.
		return StringVal(node.Value), nil
	}
}

// ToYAML serializes a Value as a YAML document, maps in entry order.
func ToYAML(v Value) ([]byte, error) {
	node, err := toNode(v)
	if err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("serialize yaml: %w", err)
	}
	return out, nil
}

func toNode(v Value) (*yaml.Node, error) {
	switch v.Kind {
	case KindNull:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case KindBool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v.Bool)}, nil
	case KindInt:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(v.Int, 10)}, nil
	case KindFloat:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(v.Float, 'g', -1, 64)}, nil
	case KindString:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.Str}, nil
	case KindList:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range v.List {
			child, err := toNode(item)
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, child)
		}
		return node, nil
	case KindMap:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, e := range v.Map {
			val, err := toNode(e.Val)
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Key},
				val,
			)
		}
		return node, nil
	default:
		return nil, fmt.Errorf("cannot serialize kind %s", v.Kind)
	}
}

// =============================================================================
// Overlay / Merge
// =============================================================================

// Overlay computes the minimal patch that turns before into after.
//
// # Description
//
// Both arguments must be maps. Per key of after: a key absent from
// before is included whole; when both sides are maps, the overlay
// recurses and the key is included only when the nested overlay is
// non-empty; otherwise the key is included only when the values
// differ. Keys present only in before do not appear (overlays never
// delete). An empty result means no change.
func Overlay(before, after Value) Value {
	patch := MapVal()
	for _, e := range after.Map {
		bv, ok := before.Get(e.Key)
		if !ok {
			patch.Map = append(patch.Map, MapEntry{Key: e.Key, Val: e.Val})
			continue
		}
		if bv.IsMap() && e.Val.IsMap() {
			nested := Overlay(bv, e.Val)
			if !nested.Empty() {
				patch.Map = append(patch.Map, MapEntry{Key: e.Key, Val: nested})
			}
			continue
		}
		if !bv.Equal(e.Val) {
			patch.Map = append(patch.Map, MapEntry{Key: e.Key, Val: e.Val})
		}
	}
	return patch
}

// Merge applies overlay on top of base and returns the result. Two
// maps merge recursively; any other combination is replaced by the
// overlay value. Neither argument is mutated.
func Merge(base, overlay Value) Value {
	if !base.IsMap() || !overlay.IsMap() {
		return clone(overlay)
	}
	merged := MapVal()
	merged.Map = make([]MapEntry, len(base.Map))
	for i, e := range base.Map {
		merged.Map[i] = MapEntry{Key: e.Key, Val: clone(e.Val)}
	}
	for _, e := range overlay.Map {
		if existing, ok := merged.Get(e.Key); ok {
			merged.Set(e.Key, Merge(existing, e.Val))
		} else {
			merged.Map = append(merged.Map, MapEntry{Key: e.Key, Val: clone(e.Val)})
		}
	}
	return merged
}

func clone(v Value) Value {
	switch v.Kind {
	case KindList:
		out := v
		out.List = make([]Value, len(v.List))
		for i, item := range v.List {
			out.List[i] = clone(item)
		}
		return out
	case KindMap:
		out := v
		out.Map = make([]MapEntry, len(v.Map))
		for i, e := range v.Map {
			out.Map[i] = MapEntry{Key: e.Key, Val: clone(e.Val)}
		}
		return out
	default:
		return v
	}
}
