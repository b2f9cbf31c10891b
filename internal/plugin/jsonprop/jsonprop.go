// Package jsonprop is the built-in JSON property plugin. It flattens a
// JSON document into one entity per JSON pointer, so domain changes track
// individual properties instead of whole files.
//
// Snapshot shapes: containers persist as {"kind":"object"} or
// {"kind":"array"}; leaves persist as {"kind":"value","value":<json>}.
// The root document is entity "".
package jsonprop

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/untoldecay/lix/internal/plugin"
	"github.com/untoldecay/lix/internal/types"
)

// Key is the plugin key stamped on detected changes.
const Key = "lix_plugin_json_property"

// SchemaKey groups the per-pointer property entities.
const SchemaKey = "lix_json_property"

const schemaVersion = "1.0"

// Plugin implements plugin.Plugin in-process.
type Plugin struct{}

// New returns the built-in JSON property plugin.
func New() *Plugin { return &Plugin{} }

// Manifest implements plugin.Plugin.
func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Key:               Key,
		Runtime:           "builtin",
		APIVersion:        "1",
		DetectChangesGlob: "**/*.json",
		Entry:             "",
	}
}

// node is one flattened document position.
type node struct {
	kind  string // object | array | value
	value json.RawMessage
}

func (n node) snapshot() string {
	switch n.kind {
	case "object", "array":
		return `{"kind":"` + n.kind + `"}`
	default:
		return `{"kind":"value","value":` + string(n.value) + `}`
	}
}

// DetectChanges diffs the flattened before and after documents.
func (p *Plugin) DetectChanges(_ context.Context, req plugin.DetectRequest) ([]types.DetectedFileChange, error) {
	before := map[string]node{}
	if len(req.BeforeData) > 0 {
		var err error
		before, err = flatten(req.BeforeData)
		if err != nil {
			return nil, types.Errorf("before state is not valid JSON: %v", err)
		}
	}
	after := map[string]node{}
	if len(req.AfterData) > 0 {
		var err error
		after, err = flatten(req.AfterData)
		if err != nil {
			return nil, types.Errorf("after state is not valid JSON: %v", err)
		}
	}

	pointers := map[string]bool{}
	for ptr := range before {
		pointers[ptr] = true
	}
	for ptr := range after {
		pointers[ptr] = true
	}
	ordered := make([]string, 0, len(pointers))
	for ptr := range pointers {
		ordered = append(ordered, ptr)
	}
	sort.Strings(ordered)

	var out []types.DetectedFileChange
	for _, ptr := range ordered {
		b, hadBefore := before[ptr]
		a, hasAfter := after[ptr]
		switch {
		case !hasAfter:
			out = append(out, types.DetectedFileChange{
				EntityID:      ptr,
				SchemaKey:     SchemaKey,
				SchemaVersion: schemaVersion,
				PluginKey:     Key,
			})
		case !hadBefore || b.snapshot() != a.snapshot():
			snapshot := a.snapshot()
			out = append(out, types.DetectedFileChange{
				EntityID:        ptr,
				SchemaKey:       SchemaKey,
				SchemaVersion:   schemaVersion,
				SnapshotContent: &snapshot,
				PluginKey:       Key,
			})
		}
	}
	return out, nil
}

// ApplyChanges merges entity changes into the current document and
// serializes the result with stable key order.
func (p *Plugin) ApplyChanges(_ context.Context, fileSnapshot []byte, changes []plugin.EntityChange) ([]byte, error) {
	state := map[string]node{}
	if len(fileSnapshot) > 0 {
		var err error
		state, err = flatten(fileSnapshot)
		if err != nil {
			return nil, types.Errorf("file snapshot is not valid JSON: %v", err)
		}
	}

	seen := map[string]bool{}
	rootTombstone := false
	for _, change := range changes {
		if seen[change.EntityID] {
			return nil, types.Errorf("duplicate entity_id '%s'", change.EntityID)
		}
		seen[change.EntityID] = true
		if err := validatePointer(change.EntityID); err != nil {
			return nil, err
		}

		if change.SnapshotContent == nil {
			if change.EntityID == "" {
				rootTombstone = true
			}
			deleteSubtree(state, change.EntityID)
			continue
		}
		var snap struct {
			Kind  string          `json:"kind"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal([]byte(*change.SnapshotContent), &snap); err != nil {
			return nil, types.Errorf("entity '%s' has invalid snapshot content: %v", change.EntityID, err)
		}
		switch snap.Kind {
		case "object", "array":
			state[change.EntityID] = node{kind: snap.Kind}
		case "value":
			// A scalar replacing a container drops the container's old
			// descendants.
			deleteSubtree(state, change.EntityID)
			state[change.EntityID] = node{kind: "value", value: snap.Value}
		default:
			return nil, types.Errorf("entity '%s' has unknown snapshot kind '%s'", change.EntityID, snap.Kind)
		}
	}

	if rootTombstone {
		for ptr := range state {
			if ptr != "" {
				return nil, &types.LixError{
					Message: "root tombstone cannot coexist with non-root rows"}
			}
		}
		return []byte{}, nil
	}

	// Scalar parents must not keep descendants.
	for ptr, n := range state {
		if n.kind != "value" {
			continue
		}
		prefix := ptr + "/"
		for other := range state {
			if other != ptr && strings.HasPrefix(other, prefix) {
				return nil, types.Errorf("scalar row '%s' has descendant rows", ptr)
			}
		}
	}

	return assemble(state)
}

// flatten decomposes a document into pointer → node entries.
func flatten(data []byte) (map[string]node, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := map[string]node{}
	var walk func(ptr string, v any) error
	walk = func(ptr string, v any) error {
		switch t := v.(type) {
		case map[string]any:
			out[ptr] = node{kind: "object"}
			for key, child := range t {
				if err := walk(ptr+"/"+escapeToken(key), child); err != nil {
					return err
				}
			}
		case []any:
			out[ptr] = node{kind: "array"}
			for i, child := range t {
				if err := walk(ptr+"/"+strconv.Itoa(i), child); err != nil {
					return err
				}
			}
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			out[ptr] = node{kind: "value", value: raw}
		}
		return nil
	}
	if err := walk("", doc); err != nil {
		return nil, err
	}
	return out, nil
}

// assemble rebuilds document bytes from pointer entries.
func assemble(state map[string]node) ([]byte, error) {
	root, ok := state[""]
	if !ok {
		return []byte{}, nil
	}
	value, err := buildValue(state, "", root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(value)
}

func buildValue(state map[string]node, ptr string, n node) (any, error) {
	switch n.kind {
	case "value":
		var v any
		if err := json.Unmarshal(n.value, &v); err != nil {
			return nil, types.Errorf("entity '%s' has invalid value: %v", ptr, err)
		}
		return v, nil
	case "object":
		out := map[string]any{}
		for childPtr, childNode := range state {
			token, ok := directChildToken(ptr, childPtr)
			if !ok {
				continue
			}
			v, err := buildValue(state, childPtr, childNode)
			if err != nil {
				return nil, err
			}
			out[unescapeToken(token)] = v
		}
		return out, nil
	case "array":
		type indexed struct {
			idx int
			v   any
		}
		var items []indexed
		for childPtr, childNode := range state {
			token, ok := directChildToken(ptr, childPtr)
			if !ok {
				continue
			}
			idx, err := canonicalIndex(token)
			if err != nil {
				return nil, types.Errorf("array '%s' has non-canonical array index '%s'", ptr, token)
			}
			v, err := buildValue(state, childPtr, childNode)
			if err != nil {
				return nil, err
			}
			items = append(items, indexed{idx: idx, v: v})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].idx < items[j].idx })
		out := make([]any, len(items))
		for i, item := range items {
			if item.idx != i {
				return nil, types.Errorf("array '%s' has a gap at index %d", ptr, i)
			}
			out[i] = item.v
		}
		return out, nil
	default:
		return nil, types.Errorf("entity '%s' has unknown kind '%s'", ptr, n.kind)
	}
}

// directChildToken returns the last token when childPtr is a direct child
// of ptr.
func directChildToken(ptr, childPtr string) (string, bool) {
	if childPtr == ptr || !strings.HasPrefix(childPtr, ptr+"/") {
		return "", false
	}
	rest := childPtr[len(ptr)+1:]
	if strings.ContainsRune(rest, '/') {
		return "", false
	}
	return rest, true
}

func deleteSubtree(state map[string]node, ptr string) {
	delete(state, ptr)
	if ptr == "" {
		for other := range state {
			delete(state, other)
		}
		return
	}
	prefix := ptr + "/"
	for other := range state {
		if strings.HasPrefix(other, prefix) {
			delete(state, other)
		}
	}
}

// validatePointer enforces canonical JSON-pointer syntax: "" or
// /token(/token)* with ~ only as ~0 or ~1 and no empty leading slash
// artifacts beyond the separator itself.
func validatePointer(ptr string) error {
	if ptr == "" {
		return nil
	}
	if !strings.HasPrefix(ptr, "/") {
		return types.Errorf("invalid JSON pointer '%s': must start with '/'", ptr)
	}
	for _, tok := range strings.Split(ptr[1:], "/") {
		for i := 0; i < len(tok); i++ {
			if tok[i] != '~' {
				continue
			}
			if i+1 >= len(tok) || (tok[i+1] != '0' && tok[i+1] != '1') {
				return types.Errorf("invalid JSON pointer '%s': non-canonical token '%s'", ptr, tok)
			}
		}
	}
	return nil
}

// canonicalIndex parses a strictly canonical array index: no signs, no
// leading zeros (except "0" itself).
func canonicalIndex(token string) (int, error) {
	if token == "" {
		return 0, types.Errorf("empty array index")
	}
	if len(token) > 1 && token[0] == '0' {
		return 0, types.Errorf("non-canonical array index '%s'", token)
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return 0, types.Errorf("non-canonical array index '%s'", token)
		}
	}
	return strconv.Atoi(token)
}

func escapeToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

func unescapeToken(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	return strings.ReplaceAll(token, "~0", "~")
}
