package materialize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/untoldecay/lix/internal/types"
)

// graphBuilder assembles a LoadedData from literal commits and changes.
type graphBuilder struct {
	data *LoadedData
	seq  int
}

func newGraph() *graphBuilder {
	return &graphBuilder{data: &LoadedData{ChangeByID: map[string]*ChangeRecord{}}}
}

func (g *graphBuilder) add(rec ChangeRecord) {
	g.data.Changes = append(g.data.Changes, rec)
}

func (g *graphBuilder) build() *LoadedData {
	for i := range g.data.Changes {
		g.data.ChangeByID[g.data.Changes[i].ID] = &g.data.Changes[i]
	}
	return g.data
}

func (g *graphBuilder) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%02d", prefix, g.seq)
}

func (g *graphBuilder) domainChange(id, entityID, createdAt, value string) {
	snapshot := fmt.Sprintf(`{"key":%q,"value":%q}`, entityID, value)
	g.add(ChangeRecord{ChangeRow: types.ChangeRow{
		ID: id, EntityID: entityID, SchemaKey: types.SchemaKeyKeyValue,
		SchemaVersion: "1.0", FileID: "lix", PluginKey: "lix_own_change_control",
		SnapshotContent: &snapshot, CreatedAt: createdAt,
	}, SnapshotID: "snap-" + id})
}

func (g *graphBuilder) tombstone(id, entityID, createdAt string) {
	g.add(ChangeRecord{ChangeRow: types.ChangeRow{
		ID: id, EntityID: entityID, SchemaKey: types.SchemaKeyKeyValue,
		SchemaVersion: "1.0", FileID: "lix", PluginKey: "lix_own_change_control",
		CreatedAt: createdAt,
	}, SnapshotID: types.NoContentSnapshotID})
}

func (g *graphBuilder) commit(commitID, createdAt string, parents, changeIDs []string) {
	snap, _ := json.Marshal(types.CommitSnapshot{
		ID: commitID, ChangeSetID: "cs-" + commitID,
		ParentCommitIDs: parents, ChangeIDs: changeIDs,
		AuthorAccountIDs: []string{"acct-1"}, MetaChangeIDs: []string{},
	})
	s := string(snap)
	g.add(ChangeRecord{ChangeRow: types.ChangeRow{
		ID: g.nextID("commit-change"), EntityID: commitID, SchemaKey: types.SchemaKeyCommit,
		SchemaVersion: "1.0", FileID: "lix", PluginKey: "lix_own_change_control",
		SnapshotContent: &s, CreatedAt: createdAt,
	}, SnapshotID: "snap-" + commitID})
}

func (g *graphBuilder) tip(versionID, commitID, createdAt string) {
	snap, _ := json.Marshal(types.VersionSnapshot{ID: versionID, CommitID: commitID})
	s := string(snap)
	g.add(ChangeRecord{ChangeRow: types.ChangeRow{
		ID: g.nextID("tip-change"), EntityID: versionID, SchemaKey: types.SchemaKeyVersionTip,
		SchemaVersion: "1.0", FileID: "lix", PluginKey: "lix_own_change_control",
		SnapshotContent: &s, CreatedAt: createdAt,
	}, SnapshotID: "snap-tip-" + versionID + "-" + commitID})
}

func (g *graphBuilder) descriptor(versionID string, inheritsFrom *string, createdAt string) {
	snap, _ := json.Marshal(types.VersionDescriptor{ID: versionID, InheritsFromVersionID: inheritsFrom})
	s := string(snap)
	g.add(ChangeRecord{ChangeRow: types.ChangeRow{
		ID: g.nextID("desc-change"), EntityID: versionID, SchemaKey: types.SchemaKeyVersionDescriptor,
		SchemaVersion: "1.0", FileID: "lix", PluginKey: "lix_own_change_control",
		SnapshotContent: &s, CreatedAt: createdAt,
	}, SnapshotID: "snap-desc-" + versionID})
}

func findWrite(plan *Plan, versionID, schemaKey, entityID string) *Write {
	for i := range plan.Writes {
		row := &plan.Writes[i].Row
		if row.VersionID == versionID && row.SchemaKey == schemaKey && row.EntityID == entityID {
			return &plan.Writes[i]
		}
	}
	return nil
}

func TestLatestCommitWins(t *testing.T) {
	g := newGraph()
	g.domainChange("chg-1", "kv", "2024-01-01T00:00:00.000Z", "old")
	g.domainChange("chg-2", "kv", "2024-01-02T00:00:00.000Z", "new")
	g.commit("c1", "2024-01-01T00:00:00.000Z", nil, []string{"chg-1"})
	g.commit("c2", "2024-01-02T00:00:00.000Z", []string{"c1"}, []string{"chg-2"})
	g.tip("main", "c1", "2024-01-01T00:00:00.000Z")
	g.tip("main", "c2", "2024-01-02T00:00:00.000Z")
	g.descriptor("main", nil, "2024-01-01T00:00:00.000Z")

	plan, err := BuildPlan(g.build(), Scope{VersionIDs: []string{"main"}}, TraceOff, 0)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	w := findWrite(plan, "main", types.SchemaKeyKeyValue, "kv")
	if w == nil {
		t.Fatal("no projection row for kv")
	}
	if w.Kind != WriteUpsert {
		t.Fatal("expected an upsert")
	}
	if w.Row.ID != "chg-2" {
		t.Errorf("winner change = %s, want chg-2", w.Row.ID)
	}
	// created_at behaves as first-seen; updated_at is the winner's own.
	if w.Row.CreatedAt != "2024-01-01T00:00:00.000Z" {
		t.Errorf("created_at = %s, want the earliest candidate", w.Row.CreatedAt)
	}
	if w.Row.UpdatedAt != "2024-01-02T00:00:00.000Z" {
		t.Errorf("updated_at = %s, want the winner's created_at", w.Row.UpdatedAt)
	}
}

func TestTombstoneShadowsInheritedRow(t *testing.T) {
	g := newGraph()
	g.domainChange("chg-base", "kv", "2024-01-01T00:00:00.000Z", "base")
	g.commit("c-base", "2024-01-01T00:00:00.000Z", nil, []string{"chg-base"})
	g.tip("global", "c-base", "2024-01-01T00:00:00.000Z")
	g.descriptor("global", nil, "2024-01-01T00:00:00.000Z")

	g.tombstone("chg-del", "kv", "2024-01-02T00:00:00.000Z")
	g.commit("c-del", "2024-01-02T00:00:00.000Z", nil, []string{"chg-del"})
	g.tip("main", "c-del", "2024-01-02T00:00:00.000Z")
	inherits := "global"
	g.descriptor("main", &inherits, "2024-01-01T00:00:00.000Z")

	plan, err := BuildPlan(g.build(), Scope{VersionIDs: []string{"main", "global"}}, TraceOff, 0)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	w := findWrite(plan, "main", types.SchemaKeyKeyValue, "kv")
	if w == nil {
		t.Fatal("no final-state row for kv under main")
	}
	if w.Kind != WriteTombstone {
		t.Error("tombstone in main must shadow the inherited row")
	}

	base := findWrite(plan, "global", types.SchemaKeyKeyValue, "kv")
	if base == nil || base.Kind != WriteUpsert {
		t.Error("global keeps its own row")
	}
}

func TestInheritanceResolvesThroughChain(t *testing.T) {
	g := newGraph()
	g.domainChange("chg-base", "kv", "2024-01-01T00:00:00.000Z", "base")
	g.commit("c-base", "2024-01-01T00:00:00.000Z", nil, []string{"chg-base"})
	g.tip("global", "c-base", "2024-01-01T00:00:00.000Z")
	g.descriptor("global", nil, "2024-01-01T00:00:00.000Z")
	inherits := "global"
	g.descriptor("main", &inherits, "2024-01-01T00:00:00.000Z")

	plan, err := BuildPlan(g.build(), Scope{VersionIDs: []string{"main"}}, TraceOff, 0)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	w := findWrite(plan, "main", types.SchemaKeyKeyValue, "kv")
	if w == nil {
		t.Fatal("inherited row missing")
	}
	if w.Row.InheritedFrom == nil || *w.Row.InheritedFrom != "global" {
		t.Errorf("inherited_from = %v, want global", w.Row.InheritedFrom)
	}
}

func TestInheritanceCycleWarns(t *testing.T) {
	g := newGraph()
	a, b := "version-a", "version-b"
	g.descriptor(a, &b, "2024-01-01T00:00:00.000Z")
	g.descriptor(b, &a, "2024-01-01T00:00:00.000Z")

	plan, err := BuildPlan(g.build(), Scope{VersionIDs: []string{a, b}}, TraceOff, 0)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if len(plan.Warnings) == 0 {
		t.Error("expected a cycle warning")
	}
}

func TestGlobalProjectionRowsDerived(t *testing.T) {
	g := newGraph()
	g.domainChange("chg-1", "kv", "2024-01-01T00:00:00.000Z", "v")
	g.commit("c1", "2024-01-01T00:00:00.000Z", []string{"c0"}, []string{"chg-1"})
	g.tip("global", "c1", "2024-01-01T00:00:00.000Z")
	g.descriptor("global", nil, "2024-01-01T00:00:00.000Z")

	plan, err := BuildPlan(g.build(), Scope{VersionIDs: []string{"global"}}, TraceOff, 0)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	if findWrite(plan, "global", types.SchemaKeyCommit, "c1") == nil {
		t.Error("derived lix_commit row missing")
	}
	if findWrite(plan, "global", types.SchemaKeyVersionPointer, "global") == nil {
		t.Error("derived lix_version_pointer row missing")
	}
	if findWrite(plan, "global", types.SchemaKeyCommitEdge, "c0~c1") == nil {
		t.Error("derived lix_commit_edge row missing")
	}
	if findWrite(plan, "global", types.SchemaKeyChangeSetElement, "cs-c1~chg-1") == nil {
		t.Error("derived lix_change_set_element row missing")
	}
	if findWrite(plan, "global", types.SchemaKeyChangeAuthor, "chg-1~acct-1") == nil {
		t.Error("derived lix_change_author row missing")
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	build := func() *Plan {
		g := newGraph()
		g.domainChange("chg-1", "kv-a", "2024-01-01T00:00:00.000Z", "a")
		g.domainChange("chg-2", "kv-b", "2024-01-02T00:00:00.000Z", "b")
		g.commit("c1", "2024-01-01T00:00:00.000Z", nil, []string{"chg-1"})
		g.commit("c2", "2024-01-02T00:00:00.000Z", []string{"c1"}, []string{"chg-2"})
		g.tip("main", "c2", "2024-01-02T00:00:00.000Z")
		g.descriptor("main", nil, "2024-01-01T00:00:00.000Z")
		plan, err := BuildPlan(g.build(), Scope{}, TraceOff, 0)
		if err != nil {
			t.Fatalf("BuildPlan failed: %v", err)
		}
		return plan
	}

	if !reflect.DeepEqual(build().Writes, build().Writes) {
		t.Error("re-running the plan over the same inputs diverges")
	}
}

func TestTraceModes(t *testing.T) {
	g := newGraph()
	g.domainChange("chg-1", "kv", "2024-01-01T00:00:00.000Z", "v")
	g.commit("c1", "2024-01-01T00:00:00.000Z", nil, []string{"chg-1"})
	g.tip("main", "c1", "2024-01-01T00:00:00.000Z")
	data := g.build()

	plan, _ := BuildPlan(data, Scope{}, TraceOff, 0)
	if plan.Trace != nil {
		t.Error("trace must be nil when off")
	}

	plan, _ = BuildPlan(data, Scope{}, TraceSummary, 0)
	if plan.Trace == nil || len(plan.Trace.Stages) == 0 {
		t.Fatal("summary trace missing stages")
	}
	for _, st := range plan.Trace.Stages {
		if len(st.Samples) != 0 {
			t.Errorf("summary stage %s carries samples", st.Name)
		}
	}

	plan, _ = BuildPlan(data, Scope{}, TraceFull, 2)
	if plan.Trace == nil {
		t.Fatal("full trace missing")
	}
	for _, st := range plan.Trace.Stages {
		if len(st.Samples) > 2 {
			t.Errorf("stage %s samples exceed the row limit", st.Name)
		}
	}
}
