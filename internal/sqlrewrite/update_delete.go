package sqlrewrite

import (
	"context"
	"strings"

	"github.com/untoldecay/lix/internal/types"
)

// parsedSet is the decoded SET clause of an UPDATE.
type parsedSet struct {
	assignments []Assignment
}

// parseSetClause reads SET col = value pairs between SET and WHERE,
// consuming bare placeholders in order.
func parseSetClause(tokens []token, ps *paramState) (*parsedSet, int, error) {
	setIdx := keywordIndex(tokens, 0, "SET")
	if setIdx < 0 {
		return nil, -1, &types.LixError{Message: "sql parse error: UPDATE without SET"}
	}
	end := keywordIndex(tokens, setIdx, "WHERE")
	if end < 0 {
		end = len(tokens)
	}

	out := &parsedSet{}
	i := setIdx + 1
	for i < end {
		t := tokens[i]
		if t.kind == tokPunct && t.text == "," {
			i++
			continue
		}
		if t.kind != tokIdent {
			return nil, -1, types.Errorf("sql parse error: malformed SET clause near %q", t.text)
		}
		col := normalizeIdent(t.text)
		if dot := strings.LastIndexByte(col, '.'); dot >= 0 {
			col = col[dot+1:]
		}
		if i+2 >= end || tokens[i+1].text != "=" {
			return nil, -1, types.Errorf("sql parse error: SET %s is missing a value", col)
		}
		val, next, err := parseScalar(tokens, i+2, ps)
		if err != nil {
			return nil, -1, err
		}
		out.assignments = append(out.assignments, Assignment{Column: col, Value: val})
		i = next
	}
	return out, end, nil
}

// whereClauseText renders the statement's WHERE clause with placeholders
// inlined, ready to append to a selection over the derived view.
func whereClauseText(tokens []token, whereIdx int, ps *paramState) (string, error) {
	if whereIdx < 0 || whereIdx >= len(tokens) {
		return "", nil
	}
	end := len(tokens)
	if idx := keywordIndex(tokens, whereIdx, "RETURNING"); idx >= 0 {
		end = idx
	}
	clause := tokens[whereIdx:end]
	rendered, err := resolvePlaceholdersInline(clause, ps.params, ps.cursor)
	if err != nil {
		return "", err
	}
	for _, t := range clause {
		if t.kind == tokPlaceholder && t.number == 0 {
			ps.cursor++
		}
	}
	return rendered, nil
}

// handleUpdate plans the follow-up for UPDATE statements on lix surfaces.
// The plan's selection runs inside the transaction; the post-processor
// applies the assignments and stages the resulting rows.
func handleUpdate(ctx context.Context, stmt string, tokens []token, ps *paramState, opt Options, out *Output) (bool, error) {
	table := targetTable(tokens, stmtUpdate)
	switch table {
	case vtableName, viewState, viewStateByVersion,
		viewFile, viewFileByVersion, viewDirectory, viewDirectoryByVer:
	default:
		if entityViewSchema(ctx, table, opt) == nil {
			return false, nil
		}
	}

	// The statement-start cursor anchors bare-placeholder ordinals for
	// predicate extraction; SET parsing advances the live cursor first.
	startCursor := ps.cursor
	set, whereIdx, err := parseSetClause(tokens, ps)
	if err != nil {
		return false, err
	}

	switch table {
	case vtableName, viewState, viewStateByVersion:
		return true, planStateUpdate(ctx, table, tokens, whereIdx, set, startCursor, ps, opt, out)
	case viewFile, viewFileByVersion:
		return true, planFileUpdate(ctx, table, tokens, whereIdx, set, ps, opt, out)
	case viewDirectory, viewDirectoryByVer:
		return true, planDirectoryUpdate(ctx, table, tokens, whereIdx, set, ps, opt, out)
	default:
		if def := entityViewSchema(ctx, table, opt); def != nil {
			return true, planEntityViewUpdate(ctx, table, def.Key, tokens, whereIdx, set, ps, opt, out)
		}
	}
	return false, nil
}

func planStateUpdate(ctx context.Context, table string, tokens []token, whereIdx int, set *parsedSet, startCursor int, ps *paramState, opt Options, out *Output) error {
	plan := &VtableUpdatePlan{}
	for _, a := range set.assignments {
		switch a.Column {
		case "schema_key":
			return types.Errorf("%s manages schema_key; it cannot be assigned", table)
		case "snapshot_content":
			return types.Errorf(
				"%s manages snapshot_content through schema property columns; it cannot be assigned", table)
		case "version_id", "lixcol_version_id":
			return types.Errorf("%s manages version_id; it cannot be assigned", table)
		case "writer_key", "lixcol_writer_key":
			plan.WriterKeyAssignmentPresent = true
			plan.ExplicitWriterKey = a.Value.AsTextPtr()
		case "untracked", "lixcol_untracked":
			plan.Untracked = a.Value.AsInt() == 1
		default:
			plan.Assignments = append(plan.Assignments, a)
		}
	}

	preds := extractFilters(tokens, pushableStateColumns, ps.params, startCursor)
	f := filtersFromPredicates(preds, false)
	if len(f.schemaKeys) != 1 {
		return types.Errorf("%s UPDATE requires an equality filter on schema_key", table)
	}
	plan.SchemaKey = f.schemaKeys[0]

	where, err := whereClauseText(tokens, whereIdx, ps)
	if err != nil {
		return err
	}
	inner := stateReadSQL(opt, table != viewState, readFilters{schemaKeys: f.schemaKeys, versionIDs: f.versionIDs})
	plan.SelectionSQL = "SELECT entity_id, schema_key, schema_version, file_id, version_id, plugin_key, " +
		"snapshot_content, metadata, writer_key, untracked FROM (" + inner + ") lix_sel " + where

	appendSchemaKey(&out.Registrations, plan.SchemaKey)
	out.Mutations = append(out.Mutations, MutationDescriptor{Kind: "update", Table: table, SchemaKey: plan.SchemaKey})
	out.Postprocess = append(out.Postprocess, Postprocess{Update: plan})
	return nil
}

func planEntityViewUpdate(ctx context.Context, table, schemaKey string, tokens []token, whereIdx int, set *parsedSet, ps *paramState, opt Options, out *Output) error {
	plan := &VtableUpdatePlan{SchemaKey: schemaKey}
	for _, a := range set.assignments {
		switch a.Column {
		case "schema_key", "lixcol_schema_key":
			return types.Errorf("%s manages schema_key; it cannot be assigned", table)
		case "snapshot_content", "lixcol_snapshot_content":
			return types.Errorf(
				"%s manages snapshot_content through its property columns; it cannot be assigned", table)
		case "version_id", "lixcol_version_id":
			return types.Errorf("%s manages version_id; it cannot be assigned", table)
		case "lixcol_writer_key":
			plan.WriterKeyAssignmentPresent = true
			plan.ExplicitWriterKey = a.Value.AsTextPtr()
		case "lixcol_untracked":
			plan.Untracked = a.Value.AsInt() == 1
		case "lixcol_metadata":
			plan.Assignments = append(plan.Assignments, Assignment{Column: "metadata", Value: a.Value})
		default:
			plan.PropertyAssignments = append(plan.PropertyAssignments, a)
		}
	}

	where, err := whereClauseText(tokens, whereIdx, ps)
	if err != nil {
		return err
	}
	def, err := opt.Lookup(ctx, schemaKey)
	if err != nil {
		return err
	}
	byVersion := strings.HasSuffix(table, "_by_version")
	inner := entityViewReadSQL(opt, def, byVersion, readFilters{})
	plan.SelectionSQL = "SELECT lixcol_entity_id, lixcol_schema_key, lixcol_schema_version, lixcol_file_id, " +
		"lixcol_version_id, lixcol_plugin_key, lixcol_snapshot_content, lixcol_metadata, lixcol_writer_key, " +
		"lixcol_untracked FROM (" + inner + ") lix_sel " + where

	appendSchemaKey(&out.Registrations, schemaKey)
	out.Mutations = append(out.Mutations, MutationDescriptor{Kind: "update", Table: table, SchemaKey: schemaKey})
	out.Postprocess = append(out.Postprocess, Postprocess{Update: plan})
	return nil
}

func planFileUpdate(ctx context.Context, table string, tokens []token, whereIdx int, set *parsedSet, ps *paramState, opt Options, out *Output) error {
	plan := &VtableUpdatePlan{SchemaKey: types.SchemaKeyFileDescriptor, File: &FileUpdateSpec{}}
	for _, a := range set.assignments {
		switch a.Column {
		case "data":
			// Dropped at the rewrite layer; bytes flow through the
			// side-effect engine.
			plan.File.DataSet = true
			if a.Value.Kind == types.KindBlob {
				plan.File.Data = a.Value.Blob
			} else if !a.Value.IsNull() {
				plan.File.Data = []byte(a.Value.AsText())
			}
		case "path":
			plan.File.Path = a.Value.AsTextPtr()
		case "hidden":
			h := a.Value.AsInt()
			plan.File.Hidden = &h
		case "metadata", "lixcol_metadata":
			plan.File.Metadata = a.Value.AsTextPtr()
		case "lixcol_writer_key":
			plan.WriterKeyAssignmentPresent = true
			plan.ExplicitWriterKey = a.Value.AsTextPtr()
		case "version_id", "lixcol_version_id":
			return types.Errorf("%s manages version_id; it cannot be assigned", table)
		case "id":
			return types.Errorf("%s file ids are immutable", table)
		default:
			return types.Errorf("%s has no updatable column '%s'", table, a.Column)
		}
	}

	where, err := whereClauseText(tokens, whereIdx, ps)
	if err != nil {
		return err
	}
	inner := fileReadSQL(opt, table == viewFileByVersion, readFilters{})
	plan.SelectionSQL = "SELECT id, path, version_id, data FROM (" + inner + ") lix_sel " + where

	appendSchemaKey(&out.Registrations, types.SchemaKeyFileDescriptor)
	out.Mutations = append(out.Mutations, MutationDescriptor{Kind: "update", Table: table, SchemaKey: types.SchemaKeyFileDescriptor})
	out.Postprocess = append(out.Postprocess, Postprocess{Update: plan})
	return nil
}

func planDirectoryUpdate(ctx context.Context, table string, tokens []token, whereIdx int, set *parsedSet, ps *paramState, opt Options, out *Output) error {
	plan := &VtableUpdatePlan{SchemaKey: types.SchemaKeyDirDescriptor}
	for _, a := range set.assignments {
		switch a.Column {
		case "name", "parent_id", "hidden":
			plan.PropertyAssignments = append(plan.PropertyAssignments, a)
		case "version_id", "lixcol_version_id":
			return types.Errorf("%s manages version_id; it cannot be assigned", table)
		default:
			return types.Errorf("%s has no updatable column '%s'", table, a.Column)
		}
	}

	where, err := whereClauseText(tokens, whereIdx, ps)
	if err != nil {
		return err
	}
	inner := stateReadSQL(opt, table == viewDirectoryByVer,
		readFilters{schemaKeys: []string{types.SchemaKeyDirDescriptor}})
	plan.SelectionSQL = "SELECT entity_id, schema_key, schema_version, file_id, version_id, plugin_key, " +
		"snapshot_content, metadata, writer_key, untracked FROM (" + inner + ") lix_sel " + where

	appendSchemaKey(&out.Registrations, types.SchemaKeyDirDescriptor)
	out.Mutations = append(out.Mutations, MutationDescriptor{Kind: "update", Table: table, SchemaKey: types.SchemaKeyDirDescriptor})
	out.Postprocess = append(out.Postprocess, Postprocess{Update: plan})
	return nil
}

// handleDelete plans the follow-up for DELETE statements on lix surfaces.
func handleDelete(ctx context.Context, stmt string, tokens []token, ps *paramState, opt Options, out *Output) (bool, error) {
	table := targetTable(tokens, stmtDelete)
	whereIdx := keywordIndex(tokens, 0, "WHERE")

	switch table {
	case vtableName, viewState, viewStateByVersion:
		preds := extractFilters(tokens, pushableStateColumns, ps.params, ps.cursor)
		f := filtersFromPredicates(preds, false)
		if len(f.schemaKeys) != 1 {
			return true, types.Errorf("%s DELETE requires an equality filter on schema_key", table)
		}
		where, err := whereClauseText(tokens, whereIdx, ps)
		if err != nil {
			return true, err
		}
		inner := stateReadSQL(opt, table != viewState, readFilters{schemaKeys: f.schemaKeys, versionIDs: f.versionIDs})
		plan := &VtableDeletePlan{
			SchemaKey: f.schemaKeys[0],
			Target:    "state",
			EffectiveScopeSelectionSQL: "SELECT entity_id, schema_key, schema_version, file_id, version_id, " +
				"plugin_key, snapshot_content, metadata, writer_key, untracked FROM (" + inner + ") lix_sel " + where,
			EffectiveScopeFallback: true,
		}
		appendSchemaKey(&out.Registrations, plan.SchemaKey)
		out.Mutations = append(out.Mutations, MutationDescriptor{Kind: "delete", Table: table, SchemaKey: plan.SchemaKey})
		out.Postprocess = append(out.Postprocess, Postprocess{Delete: plan})
		return true, nil

	case viewFile, viewFileByVersion:
		where, err := whereClauseText(tokens, whereIdx, ps)
		if err != nil {
			return true, err
		}
		inner := fileReadSQL(opt, table == viewFileByVersion, readFilters{})
		plan := &VtableDeletePlan{
			SchemaKey:                  types.SchemaKeyFileDescriptor,
			Target:                     "file",
			EffectiveScopeSelectionSQL: "SELECT id, path, version_id FROM (" + inner + ") lix_sel " + where,
			EffectiveScopeFallback:     true,
		}
		appendSchemaKey(&out.Registrations, types.SchemaKeyFileDescriptor)
		out.Mutations = append(out.Mutations, MutationDescriptor{Kind: "delete", Table: table, SchemaKey: types.SchemaKeyFileDescriptor})
		out.Postprocess = append(out.Postprocess, Postprocess{Delete: plan})
		return true, nil

	case viewDirectory, viewDirectoryByVer:
		where, err := whereClauseText(tokens, whereIdx, ps)
		if err != nil {
			return true, err
		}
		inner := directoryReadSQL(opt, table == viewDirectoryByVer, readFilters{})
		plan := &VtableDeletePlan{
			SchemaKey:                  types.SchemaKeyDirDescriptor,
			Target:                     "directory",
			EffectiveScopeSelectionSQL: "SELECT id, path, version_id FROM (" + inner + ") lix_sel " + where,
			EffectiveScopeFallback:     true,
			CascadeDirectoryFiles:      true,
		}
		appendSchemaKey(&out.Registrations, types.SchemaKeyDirDescriptor)
		out.Mutations = append(out.Mutations, MutationDescriptor{Kind: "delete", Table: table, SchemaKey: types.SchemaKeyDirDescriptor})
		out.Postprocess = append(out.Postprocess, Postprocess{Delete: plan})
		return true, nil
	}

	if def := entityViewSchema(ctx, table, opt); def != nil {
		where, err := whereClauseText(tokens, whereIdx, ps)
		if err != nil {
			return true, err
		}
		byVersion := strings.HasSuffix(table, "_by_version")
		inner := entityViewReadSQL(opt, def, byVersion, readFilters{})
		plan := &VtableDeletePlan{
			SchemaKey: def.Key,
			Target:    "state",
			EffectiveScopeSelectionSQL: "SELECT lixcol_entity_id, lixcol_schema_key, lixcol_schema_version, " +
				"lixcol_file_id, lixcol_version_id, lixcol_plugin_key, lixcol_snapshot_content, lixcol_metadata, " +
				"lixcol_writer_key, lixcol_untracked FROM (" + inner + ") lix_sel " + where,
			EffectiveScopeFallback: true,
		}
		appendSchemaKey(&out.Registrations, def.Key)
		out.Mutations = append(out.Mutations, MutationDescriptor{Kind: "delete", Table: table, SchemaKey: def.Key})
		out.Postprocess = append(out.Postprocess, Postprocess{Delete: plan})
		return true, nil
	}
	return false, nil
}
