package materialize

import (
	"fmt"
	"sort"

	"github.com/untoldecay/lix/internal/schema"
	"github.com/untoldecay/lix/internal/types"
)

// MaxInheritanceDepth bounds version inheritance chains.
const MaxInheritanceDepth = 64

// WriteKind distinguishes projection upserts from tombstones.
type WriteKind int

const (
	WriteUpsert WriteKind = iota
	WriteTombstone
)

// Write is one projection table operation.
type Write struct {
	Kind WriteKind
	Row  types.MaterializedStateRow
}

// Scope selects target versions; an empty VersionIDs means all known.
type Scope struct {
	VersionIDs []string
}

// Plan is the output of BuildPlan.
type Plan struct {
	Writes   []Write
	Warnings []string
	Trace    *Trace
}

type edge struct {
	parent string
	child  string
}

type visibleRow struct {
	entityID      string
	schemaKey     string
	schemaVersion string
	fileID        string
	pluginKey     string
	snapshot      *string
	metadata      *string
	changeID      string
	commitID      string
	createdAt     string
	updatedAt     string
}

type entityKey struct {
	entityID  string
	schemaKey string
	fileID    string
}

// BuildPlan computes the final projection for every target version.
//
// The pipeline is staged so each stage is observable through the trace:
// all_commit_edges, version_pointers, commit_graph, latest_visible_state,
// version_ancestry, final_state, writes.
func BuildPlan(data *LoadedData, scope Scope, traceMode TraceMode, traceRowLimit int) (*Plan, error) {
	plan := &Plan{}
	trace := newTrace(traceMode, traceRowLimit)

	edges := buildAllCommitEdges(data, plan)
	trace.stage("all_commit_edges", len(edges), func() []string {
		out := make([]string, 0, len(edges))
		for _, e := range edges {
			out = append(out, e.parent+" -> "+e.child)
		}
		return out
	})

	tips := buildVersionPointers(data, edges)
	trace.stage("version_pointers", len(tips), func() []string {
		out := make([]string, 0, len(tips))
		for _, versionID := range sortedKeys(tips) {
			for _, t := range tips[versionID] {
				out = append(out, versionID+" @ "+t.commitID)
			}
		}
		return out
	})

	minDepth := buildCommitGraph(tips, edges)
	trace.stage("commit_graph", len(minDepth), func() []string {
		out := make([]string, 0, len(minDepth))
		for versionID, depths := range minDepth {
			for commitID, depth := range depths {
				out = append(out, fmt.Sprintf("%s: %s depth=%d", versionID, commitID, depth))
			}
		}
		sort.Strings(out)
		return out
	})

	visible := buildLatestVisibleState(data, minDepth, plan)
	addGlobalProjectionRows(data, tips, edges, visible, plan)
	visibleCount := 0
	for _, rows := range visible {
		visibleCount += len(rows)
	}
	trace.stage("latest_visible_state", visibleCount, func() []string {
		var out []string
		for versionID, rows := range visible {
			for k := range rows {
				out = append(out, versionID+": "+k.schemaKey+"/"+k.entityID)
			}
		}
		sort.Strings(out)
		return out
	})

	targets := resolveTargetVersions(data, scope, tips)
	ancestry := buildVersionAncestry(data, targets, plan)
	trace.stage("version_ancestry", len(ancestry), func() []string {
		var out []string
		for _, target := range targets {
			for depth, ancestor := range ancestry[target] {
				out = append(out, fmt.Sprintf("%s <- %s depth=%d", target, ancestor, depth))
			}
		}
		return out
	})

	final := buildFinalState(targets, ancestry, visible)
	trace.stage("final_state", len(final), nil)

	plan.Writes = buildWrites(final)
	trace.stage("writes", len(plan.Writes), nil)

	plan.Trace = trace.finish()
	return plan, nil
}

// Stage 1: union of embedded parent lists and explicit edge rows.
func buildAllCommitEdges(data *LoadedData, plan *Plan) []edge {
	seen := map[edge]bool{}
	var out []edge
	add := func(parent, child string) {
		if parent == "" || child == "" {
			return
		}
		e := edge{parent: parent, child: child}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}

	for _, info := range data.commits() {
		if !info.snapshotValid {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("commit '%s' has a missing or invalid snapshot", info.commitID))
			continue
		}
		for _, parent := range info.snapshot.ParentCommitIDs {
			add(parent, info.commitID)
		}
	}
	for i := range data.Changes {
		c := &data.Changes[i]
		if c.SchemaKey != types.SchemaKeyCommitEdge || c.SnapshotContent == nil {
			continue
		}
		var e types.CommitEdge
		if err := jsonUnmarshal(*c.SnapshotContent, &e); err != nil {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("commit edge change '%s' has invalid snapshot JSON", c.ID))
			continue
		}
		add(e.ParentID, e.ChildID)
	}
	return out
}

// Stage 2: per version, the tip commits: commits observed for the version
// minus those with a child in the same set. Falls back to the latest
// observed pointer by (created_at, id).
func buildVersionPointers(data *LoadedData, edges []edge) map[string][]tipRecord {
	records := data.versionTips()
	byVersion := map[string][]tipRecord{}
	for _, rec := range records {
		if !rec.valid {
			continue
		}
		byVersion[rec.versionID] = append(byVersion[rec.versionID], rec)
	}

	childrenOf := map[string][]string{}
	for _, e := range edges {
		childrenOf[e.parent] = append(childrenOf[e.parent], e.child)
	}

	out := map[string][]tipRecord{}
	for versionID, recs := range byVersion {
		inVersion := map[string]tipRecord{}
		for _, rec := range recs {
			// Later pointer records for the same commit win.
			prev, ok := inVersion[rec.commitID]
			if !ok || laterTip(rec, prev) {
				inVersion[rec.commitID] = rec
			}
		}
		var tips []tipRecord
		for commitID, rec := range inVersion {
			hasChildInVersion := false
			for _, child := range childrenOf[commitID] {
				if _, ok := inVersion[child]; ok {
					hasChildInVersion = true
					break
				}
			}
			if !hasChildInVersion {
				tips = append(tips, rec)
			}
		}
		if len(tips) == 0 {
			latest := recs[0]
			for _, rec := range recs[1:] {
				if laterTip(rec, latest) {
					latest = rec
				}
			}
			tips = []tipRecord{latest}
		}
		sort.Slice(tips, func(i, j int) bool { return tips[i].commitID < tips[j].commitID })
		out[versionID] = tips
	}
	return out
}

func laterTip(a, b tipRecord) bool {
	if a.createdAt != b.createdAt {
		return a.createdAt > b.createdAt
	}
	return a.changeID > b.changeID
}

// Stage 3: BFS the parent graph from each version's tips, keeping the
// minimum depth per (version, commit).
func buildCommitGraph(tips map[string][]tipRecord, edges []edge) map[string]map[string]int {
	parentsOf := map[string][]string{}
	for _, e := range edges {
		parentsOf[e.child] = append(parentsOf[e.child], e.parent)
	}

	out := map[string]map[string]int{}
	for versionID, versionTips := range tips {
		depths := map[string]int{}
		type queued struct {
			commitID string
			depth    int
		}
		var queue []queued
		for _, tip := range versionTips {
			queue = append(queue, queued{commitID: tip.commitID, depth: 0})
		}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if prev, ok := depths[cur.commitID]; ok && prev <= cur.depth {
				continue
			}
			depths[cur.commitID] = cur.depth
			for _, parent := range parentsOf[cur.commitID] {
				queue = append(queue, queued{commitID: parent, depth: cur.depth + 1})
			}
		}
		out[versionID] = depths
	}
	return out
}

// Stage 4: per (version, entity) winner selection over every change
// referenced by a reachable commit.
func buildLatestVisibleState(data *LoadedData, minDepth map[string]map[string]int, plan *Plan) map[string]map[entityKey]visibleRow {
	// change id -> owning commit id, from commit membership.
	changeCommit := map[string]string{}
	commitByID := map[string]commitInfo{}
	for _, info := range data.commits() {
		if !info.snapshotValid {
			continue
		}
		commitByID[info.commitID] = info
		for _, changeID := range info.snapshot.ChangeIDs {
			changeCommit[changeID] = info.commitID
		}
		for _, changeID := range info.snapshot.MetaChangeIDs {
			changeCommit[changeID] = info.commitID
		}
	}

	type candidate struct {
		row   *ChangeRecord
		depth int
	}

	out := map[string]map[entityKey]visibleRow{}
	for versionID, depths := range minDepth {
		candidates := map[entityKey][]candidate{}
		for i := range data.Changes {
			c := &data.Changes[i]
			// Version descriptors and pointers are derived projections.
			if c.SchemaKey == types.SchemaKeyVersionDescriptor || c.SchemaKey == types.SchemaKeyVersionPointer {
				continue
			}
			commitID, ok := changeCommit[c.ID]
			if !ok {
				continue
			}
			depth, reachable := depths[commitID]
			if !reachable {
				continue
			}
			key := entityKey{entityID: c.EntityID, schemaKey: c.SchemaKey, fileID: c.FileID}
			candidates[key] = append(candidates[key], candidate{row: c, depth: depth})
		}

		rows := map[entityKey]visibleRow{}
		for key, cands := range candidates {
			sort.Slice(cands, func(i, j int) bool {
				if cands[i].depth != cands[j].depth {
					return cands[i].depth < cands[j].depth
				}
				if cands[i].row.CreatedAt != cands[j].row.CreatedAt {
					return cands[i].row.CreatedAt > cands[j].row.CreatedAt
				}
				return cands[i].row.ID > cands[j].row.ID
			})
			winner := cands[0]
			// The reported created_at behaves as "first seen": the earliest
			// candidate timestamp, even when it predates the winning change.
			earliest := winner.row.CreatedAt
			for _, c := range cands[1:] {
				if c.row.CreatedAt < earliest {
					earliest = c.row.CreatedAt
				}
			}
			rows[key] = visibleRow{
				entityID:      key.entityID,
				schemaKey:     key.schemaKey,
				schemaVersion: winner.row.SchemaVersion,
				fileID:        key.fileID,
				pluginKey:     winner.row.PluginKey,
				snapshot:      winner.row.SnapshotContent,
				metadata:      winner.row.Metadata,
				changeID:      winner.row.ID,
				commitID:      changeCommit[winner.row.ID],
				createdAt:     earliest,
				updatedAt:     winner.row.CreatedAt,
			}
		}
		out[versionID] = rows
	}

	// Surface commits referencing missing changes once.
	for changeID := range changeCommit {
		if _, ok := data.ChangeByID[changeID]; !ok {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("commit '%s' references missing change '%s'", changeCommit[changeID], changeID))
		}
	}
	return out
}

// Stage 4b: derived global projections for commit, version pointer, edge,
// change-set-element and change-author entities.
func addGlobalProjectionRows(data *LoadedData, tips map[string][]tipRecord, edges []edge, visible map[string]map[entityKey]visibleRow, plan *Plan) {
	rows := visible[types.GlobalVersion]
	if rows == nil {
		rows = map[entityKey]visibleRow{}
		visible[types.GlobalVersion] = rows
	}

	put := func(schemaKey, entityID, changeID, commitID, createdAt string, snapshot string) {
		schemaVersion, fileID, pluginKey, err := schema.BuiltinMeta(schemaKey)
		if err != nil {
			plan.Warnings = append(plan.Warnings, err.Error())
			return
		}
		key := entityKey{entityID: entityID, schemaKey: schemaKey, fileID: fileID}
		snap := snapshot
		row := visibleRow{
			entityID:      entityID,
			schemaKey:     schemaKey,
			schemaVersion: schemaVersion,
			fileID:        fileID,
			pluginKey:     pluginKey,
			snapshot:      &snap,
			changeID:      changeID,
			commitID:      commitID,
			createdAt:     createdAt,
			updatedAt:     createdAt,
		}
		if prev, ok := rows[key]; ok {
			// Same winner order as the generic scan: later created_at wins,
			// then higher change id.
			if prev.updatedAt > row.updatedAt || (prev.updatedAt == row.updatedAt && prev.changeID >= row.changeID) {
				return
			}
		}
		rows[key] = row
	}

	for _, info := range data.commits() {
		if !info.snapshotValid {
			continue
		}
		put(types.SchemaKeyCommit, info.commitID, info.changeRowID, info.commitID, info.createdAt,
			mustJSONString(map[string]string{
				"id":            info.commitID,
				"change_set_id": info.snapshot.ChangeSetID,
			}))

		for _, changeID := range append(append([]string{}, info.snapshot.ChangeIDs...), info.snapshot.MetaChangeIDs...) {
			member := data.ChangeByID[changeID]
			if member == nil {
				continue
			}
			put(types.SchemaKeyChangeSetElement,
				info.snapshot.ChangeSetID+"~"+changeID,
				info.changeRowID, info.commitID, info.createdAt,
				mustJSONString(types.ChangeSetElementSnapshot{
					ChangeSetID: info.snapshot.ChangeSetID,
					ChangeID:    changeID,
					EntityID:    member.EntityID,
					SchemaKey:   member.SchemaKey,
					FileID:      member.FileID,
				}))
		}
		for _, changeID := range info.snapshot.ChangeIDs {
			for _, accountID := range info.snapshot.AuthorAccountIDs {
				put(types.SchemaKeyChangeAuthor,
					changeID+"~"+accountID,
					info.changeRowID, info.commitID, info.createdAt,
					mustJSONString(types.ChangeAuthorSnapshot{
						ChangeID:  changeID,
						AccountID: accountID,
					}))
			}
		}
	}

	for versionID, versionTips := range tips {
		for _, tip := range versionTips {
			put(types.SchemaKeyVersionPointer, versionID, tip.changeID, tip.commitID, tip.createdAt,
				mustJSONString(types.VersionSnapshot{
					ID:              versionID,
					CommitID:        tip.commitID,
					WorkingCommitID: tip.workingCommitID,
				}))
		}
	}

	childCommitChange := map[string]string{}
	childCommitCreated := map[string]string{}
	for _, info := range data.commits() {
		childCommitChange[info.commitID] = info.changeRowID
		childCommitCreated[info.commitID] = info.createdAt
	}
	for _, e := range edges {
		put(types.SchemaKeyCommitEdge, e.parent+"~"+e.child,
			childCommitChange[e.child], e.child, childCommitCreated[e.child],
			mustJSONString(types.CommitEdge{ParentID: e.parent, ChildID: e.child}))
	}
}

// resolveTargetVersions maps the requested scope to concrete version ids.
func resolveTargetVersions(data *LoadedData, scope Scope, tips map[string][]tipRecord) []string {
	if len(scope.VersionIDs) > 0 {
		out := append([]string{}, scope.VersionIDs...)
		sort.Strings(out)
		return out
	}
	seen := map[string]bool{}
	for versionID := range tips {
		seen[versionID] = true
	}
	for _, desc := range data.versionDescriptors() {
		seen[desc.versionID] = true
	}
	out := make([]string, 0, len(seen))
	for versionID := range seen {
		out = append(out, versionID)
	}
	sort.Strings(out)
	return out
}

// Stage 5: inheritance chains, depth-limited, cycle-guarded.
func buildVersionAncestry(data *LoadedData, targets []string, plan *Plan) map[string][]string {
	inherits := map[string]*string{}
	latest := map[string]string{}
	for _, desc := range data.versionDescriptors() {
		if prev, ok := latest[desc.versionID]; ok && prev > desc.createdAt {
			continue
		}
		latest[desc.versionID] = desc.createdAt
		inherits[desc.versionID] = desc.inheritsFrom
	}

	out := map[string][]string{}
	for _, target := range targets {
		chain := []string{target}
		seen := map[string]bool{target: true}
		cur := target
		for depth := 1; depth <= MaxInheritanceDepth; depth++ {
			next := inherits[cur]
			if next == nil || *next == "" {
				break
			}
			if seen[*next] {
				plan.Warnings = append(plan.Warnings,
					fmt.Sprintf("version inheritance cycle at '%s' (from '%s')", *next, target))
				break
			}
			if depth == MaxInheritanceDepth {
				plan.Warnings = append(plan.Warnings,
					fmt.Sprintf("version inheritance depth limit reached for '%s'", target))
				break
			}
			chain = append(chain, *next)
			seen[*next] = true
			cur = *next
		}
		out[target] = chain
	}
	return out
}

// Stage 6: per target, first visible row along the ancestor chain wins.
func buildFinalState(targets []string, ancestry map[string][]string, visible map[string]map[entityKey]visibleRow) []types.MaterializedStateRow {
	var out []types.MaterializedStateRow
	for _, target := range targets {
		resolved := map[entityKey]bool{}
		for depth, ancestor := range ancestry[target] {
			rows := visible[ancestor]
			keys := make([]entityKey, 0, len(rows))
			for key := range rows {
				keys = append(keys, key)
			}
			sort.Slice(keys, func(i, j int) bool {
				if keys[i].schemaKey != keys[j].schemaKey {
					return keys[i].schemaKey < keys[j].schemaKey
				}
				if keys[i].fileID != keys[j].fileID {
					return keys[i].fileID < keys[j].fileID
				}
				return keys[i].entityID < keys[j].entityID
			})
			for _, key := range keys {
				if resolved[key] {
					continue
				}
				resolved[key] = true
				row := rows[key]
				var inheritedFrom *string
				if depth > 0 {
					a := ancestor
					inheritedFrom = &a
				}
				out = append(out, types.MaterializedStateRow{
					ID:              row.changeID,
					EntityID:        row.entityID,
					SchemaKey:       row.schemaKey,
					SchemaVersion:   row.schemaVersion,
					FileID:          row.fileID,
					PluginKey:       row.pluginKey,
					SnapshotContent: row.snapshot,
					Metadata:        row.metadata,
					CreatedAt:       row.createdAt,
					UpdatedAt:       row.updatedAt,
					VersionID:       target,
					CommitID:        row.commitID,
					InheritedFrom:   inheritedFrom,
				})
			}
		}
	}
	return out
}

// Stage 7: upsert rows with snapshots, tombstones otherwise.
func buildWrites(final []types.MaterializedStateRow) []Write {
	out := make([]Write, 0, len(final))
	for _, row := range final {
		kind := WriteUpsert
		if row.SnapshotContent == nil {
			kind = WriteTombstone
		}
		out = append(out, Write{Kind: kind, Row: row})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
