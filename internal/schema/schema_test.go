package schema

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/untoldecay/lix/internal/funcs"
	"github.com/untoldecay/lix/internal/types"
)

func TestBuiltinMetaResolvesOverrides(t *testing.T) {
	version, fileID, pluginKey, err := BuiltinMeta(types.SchemaKeyCommit)
	if err != nil {
		t.Fatalf("BuiltinMeta failed: %v", err)
	}
	if version != "1.0" || fileID != "lix" || pluginKey != OwnChangeControlPlugin {
		t.Errorf("meta = (%s, %s, %s)", version, fileID, pluginKey)
	}

	if _, _, _, err := BuiltinMeta("nope"); err == nil ||
		!strings.Contains(err.Error(), "not found") {
		t.Errorf("unknown schema error = %v", err)
	}
}

func TestParseDefinitionPreservesPropertyOrder(t *testing.T) {
	def, err := ParseDefinition(`{
		"x-lix-key": "test_ordered",
		"x-lix-version": "2.0",
		"type": "object",
		"properties": {
			"zebra": {"type": "string"},
			"alpha": {"type": "string"},
			"mid": {"type": "number"}
		},
		"required": ["zebra"],
		"x-lix-primary-key": ["zebra"]
	}`)
	if err != nil {
		t.Fatalf("ParseDefinition failed: %v", err)
	}
	if def.Version != "2.0" {
		t.Errorf("version = %s", def.Version)
	}
	var names []string
	for _, p := range def.Properties {
		names = append(names, p.Name)
	}
	want := []string{"zebra", "alpha", "mid"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("property order = %v, want %v", names, want)
		}
	}
	if !def.Properties[0].Required {
		t.Error("zebra must be required")
	}
}

func TestApplyDefaultsEvaluatesCEL(t *testing.T) {
	def, err := ParseDefinition(`{
		"x-lix-key": "test_defaults",
		"type": "object",
		"properties": {
			"id": {"type": "string", "x-lix-default": "uuid_v7()"},
			"created": {"type": "string", "x-lix-default": "timestamp()"},
			"label": {"type": "string", "x-lix-default": "'prefix-' + snapshot.id"},
			"given": {"type": "string"}
		},
		"required": ["id"]
	}`)
	if err != nil {
		t.Fatalf("ParseDefinition failed: %v", err)
	}

	provider := funcs.NewDeterministic("2024-01-01T00:00:00.000Z")
	out, err := ApplyDefaults(def, `{"given":"x"}`, provider)
	if err != nil {
		t.Fatalf("ApplyDefaults failed: %v", err)
	}

	if got := gjson.Get(out, "id").String(); got != "uuid-0" {
		t.Errorf("id default = %q", got)
	}
	if got := gjson.Get(out, "created").String(); got != "2024-01-01T00:00:00.000Z" {
		t.Errorf("created default = %q", got)
	}
	// Later defaults see earlier results through the accumulating object.
	if got := gjson.Get(out, "label").String(); got != "prefix-uuid-0" {
		t.Errorf("label default = %q", got)
	}
	if got := gjson.Get(out, "given").String(); got != "x" {
		t.Errorf("given value clobbered: %q", got)
	}
}

func TestApplyDefaultsRequiresMissingRequired(t *testing.T) {
	def, err := ParseDefinition(`{
		"x-lix-key": "test_required",
		"type": "object",
		"properties": {"must": {"type": "string"}},
		"required": ["must"]
	}`)
	if err != nil {
		t.Fatal(err)
	}
	provider := funcs.NewDeterministic("2024-01-01T00:00:00.000Z")
	if _, err := ApplyDefaults(def, `{}`, provider); err == nil ||
		!strings.Contains(err.Error(), "required property 'must'") {
		t.Errorf("error = %v, want missing required property", err)
	}
}

func TestApplyDefaultsRejectsNonObject(t *testing.T) {
	def := Builtin(types.SchemaKeyKeyValue)
	provider := funcs.NewDeterministic("2024-01-01T00:00:00.000Z")
	if _, err := ApplyDefaults(def, `"not-an-object"`, provider); err == nil {
		t.Error("non-object snapshot accepted")
	}
	if err := ValidateSnapshotObject("lix_key_value", `[1,2]`); err == nil {
		t.Error("array snapshot accepted")
	}
}

func TestEveryBuiltinParses(t *testing.T) {
	for _, key := range []string{
		types.SchemaKeyCommit, types.SchemaKeyCommitEdge, types.SchemaKeyVersionTip,
		types.SchemaKeyVersionDescriptor, types.SchemaKeyVersionPointer,
		types.SchemaKeyChangeSetElement, types.SchemaKeyChangeAuthor,
		types.SchemaKeyKeyValue, types.SchemaKeyFileDescriptor,
		types.SchemaKeyDirDescriptor, types.SchemaKeyStoredSchema,
		types.SchemaKeyAccount, types.SchemaKeyActiveVersion,
	} {
		if Builtin(key) == nil {
			t.Errorf("builtin %s is missing", key)
		}
	}
}
