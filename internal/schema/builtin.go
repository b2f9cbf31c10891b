// Package schema manages stored schema definitions: the builtin lix_*
// schemas, user schemas persisted through lix_stored_schema, and default
// application for entity-view inserts.
package schema

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/untoldecay/lix/internal/types"
)

// OwnChangeControlPlugin is the plugin key stamped on engine-owned changes.
const OwnChangeControlPlugin = "lix_own_change_control"

// MetaFileID is the file id carried by engine-owned meta entities.
const MetaFileID = "lix"

// Property is one declared schema property in declaration order.
type Property struct {
	Name     string
	Type     string
	Default  string // x-lix-default CEL expression, "" when absent
	Required bool
}

// Definition is a parsed schema document.
type Definition struct {
	Key        string
	Version    string
	FileID     string // lixcol_file_id override, "" when none
	PluginKey  string // lixcol_plugin_key override, "" when none
	Properties []Property
	PrimaryKey []string
	Raw        string
}

// ParseDefinition extracts the engine-relevant parts of a schema JSON
// document. Property iteration preserves declaration order.
func ParseDefinition(raw string) (*Definition, error) {
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil, &types.LixError{Message: "schema definition must be a JSON object"}
	}
	key := doc.Get("x-lix-key").String()
	if key == "" {
		return nil, &types.LixError{Message: "schema definition is missing x-lix-key"}
	}
	def := &Definition{
		Key:     key,
		Version: doc.Get("x-lix-version").String(),
		Raw:     raw,
	}
	if def.Version == "" {
		def.Version = "1.0"
	}

	required := map[string]bool{}
	doc.Get("required").ForEach(func(_, v gjson.Result) bool {
		required[v.String()] = true
		return true
	})
	doc.Get("properties").ForEach(func(k, v gjson.Result) bool {
		def.Properties = append(def.Properties, Property{
			Name:     k.String(),
			Type:     v.Get("type").String(),
			Default:  v.Get("x-lix-default").String(),
			Required: required[k.String()],
		})
		return true
	})
	doc.Get("x-lix-primary-key").ForEach(func(_, v gjson.Result) bool {
		def.PrimaryKey = append(def.PrimaryKey, v.String())
		return true
	})

	overrides := doc.Get("x-lix-override-lixcols")
	if overrides.IsObject() {
		def.FileID = decodeLixcolLiteral(overrides.Get("lixcol_file_id").String())
		def.PluginKey = decodeLixcolLiteral(overrides.Get("lixcol_plugin_key").String())
	}
	return def, nil
}

// Override literals are stored as JSON string literals ("\"lix\"") so the
// rewrite layer can splice them into SQL; accept both encodings.
func decodeLixcolLiteral(raw string) string {
	return strings.Trim(raw, `"`)
}

// HasProperty reports whether name is a declared property.
func (d *Definition) HasProperty(name string) bool {
	for _, p := range d.Properties {
		if p.Name == name {
			return true
		}
	}
	return false
}

// builtinDefinitions lists the engine-owned schemas. All carry file id
// "lix" and the own-change-control plugin key.
var builtinDefinitions = map[string]string{
	types.SchemaKeyCommit: `{
		"x-lix-key": "lix_commit",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"change_set_id": {"type": "string"},
			"parent_commit_ids": {"type": "array"},
			"change_ids": {"type": "array"},
			"author_account_ids": {"type": "array"},
			"meta_change_ids": {"type": "array"}
		},
		"required": ["id", "change_set_id"],
		"x-lix-primary-key": ["id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyCommitEdge: `{
		"x-lix-key": "lix_commit_edge",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"parent_id": {"type": "string"},
			"child_id": {"type": "string"}
		},
		"required": ["parent_id", "child_id"],
		"x-lix-primary-key": ["parent_id", "child_id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyVersionTip: `{
		"x-lix-key": "lix_version_tip",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"commit_id": {"type": "string"},
			"working_commit_id": {"type": ["string", "null"]}
		},
		"required": ["id", "commit_id"],
		"x-lix-primary-key": ["id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyVersionDescriptor: `{
		"x-lix-key": "lix_version_descriptor",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"id": {"type": "string", "x-lix-default": "uuid_v7()"},
			"name": {"type": ["string", "null"]},
			"inherits_from_version_id": {"type": ["string", "null"]},
			"hidden": {"type": "boolean"}
		},
		"required": ["id"],
		"x-lix-primary-key": ["id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyVersionPointer: `{
		"x-lix-key": "lix_version_pointer",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"commit_id": {"type": "string"},
			"working_commit_id": {"type": ["string", "null"]}
		},
		"required": ["id", "commit_id"],
		"x-lix-primary-key": ["id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyChangeSetElement: `{
		"x-lix-key": "lix_change_set_element",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"change_set_id": {"type": "string"},
			"change_id": {"type": "string"},
			"entity_id": {"type": "string"},
			"schema_key": {"type": "string"},
			"file_id": {"type": "string"}
		},
		"required": ["change_set_id", "change_id"],
		"x-lix-primary-key": ["change_set_id", "change_id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyChangeAuthor: `{
		"x-lix-key": "lix_change_author",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"change_id": {"type": "string"},
			"account_id": {"type": "string"}
		},
		"required": ["change_id", "account_id"],
		"x-lix-primary-key": ["change_id", "account_id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyKeyValue: `{
		"x-lix-key": "lix_key_value",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"key": {"type": "string"},
			"value": {}
		},
		"required": ["key"],
		"x-lix-primary-key": ["key"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyFileDescriptor: `{
		"x-lix-key": "lix_file_descriptor",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"id": {"type": "string", "x-lix-default": "uuid_v7()"},
			"directory_id": {"type": ["string", "null"]},
			"name": {"type": "string"},
			"extension": {"type": ["string", "null"]},
			"metadata": {"type": ["object", "null"]},
			"hidden": {"type": "boolean"}
		},
		"required": ["id", "name"],
		"x-lix-primary-key": ["id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyDirDescriptor: `{
		"x-lix-key": "lix_directory_descriptor",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"id": {"type": "string", "x-lix-default": "uuid_v7()"},
			"parent_id": {"type": ["string", "null"]},
			"name": {"type": "string"},
			"hidden": {"type": "boolean"}
		},
		"required": ["id", "name"],
		"x-lix-primary-key": ["id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyStoredSchema: `{
		"x-lix-key": "lix_stored_schema",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"key": {"type": "string"},
			"version": {"type": "string"},
			"value": {"type": "object"}
		},
		"required": ["key", "value"],
		"x-lix-primary-key": ["key", "version"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyAccount: `{
		"x-lix-key": "lix_account",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"id": {"type": "string", "x-lix-default": "uuid_v7()"},
			"name": {"type": "string"}
		},
		"required": ["id", "name"],
		"x-lix-primary-key": ["id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
	types.SchemaKeyActiveVersion: `{
		"x-lix-key": "lix_active_version",
		"x-lix-version": "1.0",
		"type": "object",
		"properties": {
			"version_id": {"type": "string"}
		},
		"required": ["version_id"],
		"x-lix-primary-key": ["version_id"],
		"x-lix-override-lixcols": {"lixcol_file_id": "\"lix\"", "lixcol_plugin_key": "\"lix_own_change_control\""}
	}`,
}

var builtinParsed = func() map[string]*Definition {
	out := make(map[string]*Definition, len(builtinDefinitions))
	for key, raw := range builtinDefinitions {
		def, err := ParseDefinition(raw)
		if err != nil {
			panic("builtin schema " + key + ": " + err.Error())
		}
		out[key] = def
	}
	return out
}()

// Builtin returns the builtin definition for schemaKey, or nil.
func Builtin(schemaKey string) *Definition {
	return builtinParsed[schemaKey]
}

// BuiltinMeta returns (schemaVersion, fileID, pluginKey) for an
// engine-owned schema; it errors on unknown keys so callers surface a
// descriptive message instead of emitting half-formed rows.
func BuiltinMeta(schemaKey string) (string, string, string, error) {
	def := builtinParsed[schemaKey]
	if def == nil {
		return "", "", "", types.Errorf("builtin schema '%s' not found", schemaKey)
	}
	fileID := def.FileID
	if fileID == "" {
		fileID = MetaFileID
	}
	pluginKey := def.PluginKey
	if pluginKey == "" {
		pluginKey = OwnChangeControlPlugin
	}
	return def.Version, fileID, pluginKey, nil
}
