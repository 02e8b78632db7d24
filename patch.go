package cortex

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// State is the JSON object owned by a single brain level. It is immutable
// between steps: each step body returns a new value and the engine records
// the forward JSON-Patch (RFC 6902) from old to new.
type State map[string]any

// PatchOp is a single RFC 6902 operation.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// Patch is an ordered list of RFC 6902 operations.
type Patch []PatchOp

// MarshalJSON emits the value member for add/replace/test even when the value
// is JSON null, which omitempty would otherwise drop.
func (op PatchOp) MarshalJSON() ([]byte, error) {
	m := map[string]any{"op": op.Op, "path": op.Path}
	switch op.Op {
	case "add", "replace", "test":
		m["value"] = op.Value
	case "move", "copy":
		m["from"] = op.From
	}
	return json.Marshal(m)
}

// ApplyPatch applies an RFC 6902 patch to a document and returns the new
// document. The input is never mutated. An empty patch is the identity.
// Supported ops: add, remove, replace, move, copy, test. The document root
// may be null (nil); "-" appends to arrays.
func ApplyPatch(doc any, patch Patch) (any, error) {
	out := DeepClone(doc)
	for i, op := range patch {
		var err error
		out, err = applyOp(out, op)
		if err != nil {
			return nil, fmt.Errorf("patch op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return out, nil
}

// ApplyPatchToState is ApplyPatch specialized to object roots, used for step
// state accumulation. A nil result becomes an empty State.
func ApplyPatchToState(state State, patch Patch) (State, error) {
	var doc any
	if state != nil {
		doc = map[string]any(state)
	}
	out, err := ApplyPatch(doc, patch)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return State{}, nil
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("patch result is %T, not an object", out)
	}
	return State(m), nil
}

func applyOp(doc any, op PatchOp) (any, error) {
	switch op.Op {
	case "add":
		return setValue(doc, op.Path, DeepClone(op.Value), true)
	case "replace":
		if _, err := getValue(doc, op.Path); err != nil {
			return nil, err
		}
		return setValue(doc, op.Path, DeepClone(op.Value), false)
	case "remove":
		return removeValue(doc, op.Path)
	case "move":
		v, err := getValue(doc, op.From)
		if err != nil {
			return nil, err
		}
		moved := DeepClone(v)
		doc, err = removeValue(doc, op.From)
		if err != nil {
			return nil, err
		}
		return setValue(doc, op.Path, moved, true)
	case "copy":
		v, err := getValue(doc, op.From)
		if err != nil {
			return nil, err
		}
		return setValue(doc, op.Path, DeepClone(v), true)
	case "test":
		v, err := getValue(doc, op.Path)
		if err != nil {
			return nil, err
		}
		if !jsonEqual(v, op.Value) {
			return nil, fmt.Errorf("test failed at %q", op.Path)
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
}

// parsePointer splits an RFC 6901 JSON pointer into unescaped tokens.
func parsePointer(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", path)
	}
	parts := strings.Split(path[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return parts, nil
}

func getValue(doc any, path string) (any, error) {
	tokens, err := parsePointer(path)
	if err != nil {
		return nil, err
	}
	cur := doc
	for _, tok := range tokens {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[tok]
			if !ok {
				return nil, fmt.Errorf("key %q not found", tok)
			}
			cur = v
		case State:
			v, ok := c[tok]
			if !ok {
				return nil, fmt.Errorf("key %q not found", tok)
			}
			cur = v
		case []any:
			idx, err := arrayIndex(tok, len(c), false)
			if err != nil {
				return nil, err
			}
			cur = c[idx]
		default:
			return nil, fmt.Errorf("cannot descend into %T at %q", cur, tok)
		}
	}
	return cur, nil
}

// setValue writes a value at path, returning the (possibly new) document
// root. insert controls array semantics: true splices (add), false replaces.
func setValue(doc any, path string, value any, insert bool) (any, error) {
	tokens, err := parsePointer(path)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return value, nil
	}
	return setIn(doc, tokens, value, insert)
}

func setIn(doc any, tokens []string, value any, insert bool) (any, error) {
	tok := tokens[0]
	last := len(tokens) == 1

	switch c := doc.(type) {
	case nil:
		if !last {
			return nil, fmt.Errorf("cannot descend into null at %q", tok)
		}
		// Adding to a null root materializes an object.
		return map[string]any{tok: value}, nil
	case State:
		return setIn(map[string]any(c), tokens, value, insert)
	case map[string]any:
		if last {
			c[tok] = value
			return c, nil
		}
		child, ok := c[tok]
		if !ok {
			return nil, fmt.Errorf("key %q not found", tok)
		}
		newChild, err := setIn(child, tokens[1:], value, insert)
		if err != nil {
			return nil, err
		}
		c[tok] = newChild
		return c, nil
	case []any:
		idx, err := arrayIndex(tok, len(c), last && insert)
		if err != nil {
			return nil, err
		}
		if last {
			if insert {
				c = append(c, nil)
				copy(c[idx+1:], c[idx:])
				c[idx] = value
				return c, nil
			}
			c[idx] = value
			return c, nil
		}
		newChild, err := setIn(c[idx], tokens[1:], value, insert)
		if err != nil {
			return nil, err
		}
		c[idx] = newChild
		return c, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", doc, tok)
	}
}

func removeValue(doc any, path string) (any, error) {
	tokens, err := parsePointer(path)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return removeIn(doc, tokens)
}

func removeIn(doc any, tokens []string) (any, error) {
	tok := tokens[0]
	last := len(tokens) == 1

	switch c := doc.(type) {
	case State:
		return removeIn(map[string]any(c), tokens)
	case map[string]any:
		child, ok := c[tok]
		if !ok {
			return nil, fmt.Errorf("key %q not found", tok)
		}
		if last {
			delete(c, tok)
			return c, nil
		}
		newChild, err := removeIn(child, tokens[1:])
		if err != nil {
			return nil, err
		}
		c[tok] = newChild
		return c, nil
	case []any:
		idx, err := arrayIndex(tok, len(c), false)
		if err != nil {
			return nil, err
		}
		if last {
			return append(c[:idx], c[idx+1:]...), nil
		}
		newChild, err := removeIn(c[idx], tokens[1:])
		if err != nil {
			return nil, err
		}
		c[idx] = newChild
		return c, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", doc, tok)
	}
}

// arrayIndex parses an array pointer token. allowEnd permits "-" and the
// one-past-the-end index used by add.
func arrayIndex(tok string, length int, allowEnd bool) (int, error) {
	if tok == "-" {
		if !allowEnd {
			return 0, fmt.Errorf("index - not valid here")
		}
		return length, nil
	}
	idx, err := strconv.Atoi(tok)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid array index %q", tok)
	}
	max := length
	if !allowEnd {
		max = length - 1
	}
	if idx > max {
		return 0, fmt.Errorf("array index %d out of bounds (len %d)", idx, length)
	}
	return idx, nil
}

// DiffStates computes a forward RFC 6902 patch such that applying it to old
// yields new. Objects diff per key; arrays diff element-wise with trailing
// removes emitted in reverse index order so they apply cleanly.
func DiffStates(old, new State) Patch {
	var oldDoc, newDoc any
	if old != nil {
		oldDoc = map[string]any(old)
	}
	if new != nil {
		newDoc = map[string]any(new)
	}
	return diffValues(oldDoc, newDoc, "")
}

func diffValues(old, new any, path string) Patch {
	if jsonEqual(old, new) {
		return nil
	}

	oldMap, oldIsMap := asMap(old)
	newMap, newIsMap := asMap(new)
	if oldIsMap && newIsMap {
		return diffMaps(oldMap, newMap, path)
	}

	oldArr, oldIsArr := old.([]any)
	newArr, newIsArr := new.([]any)
	if oldIsArr && newIsArr {
		return diffArrays(oldArr, newArr, path)
	}

	if old == nil && path == "" {
		return Patch{{Op: "add", Path: "", Value: DeepClone(new)}}
	}
	return Patch{{Op: "replace", Path: path, Value: DeepClone(new)}}
}

func diffMaps(old, new map[string]any, path string) Patch {
	var patch Patch
	keys := sortedKeys(old)
	for _, k := range keys {
		ov := old[k]
		nv, ok := new[k]
		if !ok {
			patch = append(patch, PatchOp{Op: "remove", Path: path + "/" + escapePointer(k)})
			continue
		}
		patch = append(patch, diffValues(ov, nv, path+"/"+escapePointer(k))...)
	}
	for _, k := range sortedKeys(new) {
		if _, ok := old[k]; !ok {
			patch = append(patch, PatchOp{Op: "add", Path: path + "/" + escapePointer(k), Value: DeepClone(new[k])})
		}
	}
	return patch
}

func diffArrays(old, new []any, path string) Patch {
	var patch Patch
	shared := min(len(old), len(new))
	for i := 0; i < shared; i++ {
		patch = append(patch, diffValues(old[i], new[i], path+"/"+strconv.Itoa(i))...)
	}
	// Trailing removes in reverse so earlier indices stay valid.
	for i := len(old) - 1; i >= shared; i-- {
		patch = append(patch, PatchOp{Op: "remove", Path: path + "/" + strconv.Itoa(i)})
	}
	for i := shared; i < len(new); i++ {
		patch = append(patch, PatchOp{Op: "add", Path: path + "/-", Value: DeepClone(new[i])})
	}
	return patch
}

func escapePointer(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case State:
		return map[string]any(m), true
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion sort: key sets are small and this avoids importing sort for
	// one call site.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// DeepClone returns a structurally independent copy of a decoded JSON value.
// Non-JSON Go values (structs, typed numbers) are normalized through a JSON
// round-trip so clones are always plain maps, slices, and scalars.
func DeepClone(v any) any {
	switch c := v.(type) {
	case nil:
		return nil
	case bool, string, float64, int, int64, json.Number:
		return c
	case State:
		return State(cloneMap(map[string]any(c)))
	case map[string]any:
		return cloneMap(c)
	case []any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = DeepClone(e)
		}
		return out
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepClone(v)
	}
	return out
}

// CloneState is DeepClone specialized to State roots.
func CloneState(s State) State {
	if s == nil {
		return nil
	}
	return State(cloneMap(map[string]any(s)))
}

// jsonEqual compares two decoded JSON values for structural equality.
// Numeric values are normalized to float64 first so int/float mixes from
// different decode paths compare equal.
func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	switch c := v.(type) {
	case int:
		return float64(c)
	case int64:
		return float64(c)
	case json.Number:
		f, err := c.Float64()
		if err != nil {
			return string(c)
		}
		return f
	case State:
		return normalize(map[string]any(c))
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
