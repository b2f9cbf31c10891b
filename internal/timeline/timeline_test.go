package timeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/types"
)

type testEnv struct {
	t   *testing.T
	b   *backend.SQLiteBackend
	ctx context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b, err := backend.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()
	if err := backend.Bootstrap(ctx, b); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	return &testEnv{t: t, b: b, ctx: ctx}
}

func (env *testEnv) addChange(id, entityID, schemaKey, snapshotID, createdAt string, content *string) {
	env.t.Helper()
	if content != nil {
		if _, err := env.b.Execute(env.ctx, `
			INSERT INTO lix_internal_snapshot (id, content) VALUES (?, ?)
			ON CONFLICT (id) DO NOTHING
		`, []types.Value{types.Text(snapshotID), types.Text(*content)}); err != nil {
			env.t.Fatal(err)
		}
	}
	if _, err := env.b.Execute(env.ctx, `
		INSERT INTO lix_internal_change (
			id, entity_id, schema_key, schema_version, file_id,
			plugin_key, snapshot_id, metadata, created_at
		) VALUES (?, ?, ?, '1.0', 'lix', 'lix_own_change_control', ?, NULL, ?)
	`, []types.Value{
		types.Text(id), types.Text(entityID), types.Text(schemaKey),
		types.Text(snapshotID), types.Text(createdAt),
	}); err != nil {
		env.t.Fatal(err)
	}
}

func (env *testEnv) addCommit(commitID string, changeIDs []string, createdAt string) {
	env.t.Helper()
	snap, _ := json.Marshal(types.CommitSnapshot{
		ID: commitID, ChangeSetID: "cs-" + commitID, ChangeIDs: changeIDs,
		ParentCommitIDs: []string{}, AuthorAccountIDs: []string{}, MetaChangeIDs: []string{},
	})
	content := string(snap)
	env.addChange("change-"+commitID, commitID, types.SchemaKeyCommit, "snap-"+commitID, createdAt, &content)
}

func (env *testEnv) addAncestry(commitID, ancestorID string, depth int) {
	env.t.Helper()
	if _, err := env.b.Execute(env.ctx, `
		INSERT INTO lix_internal_commit_ancestry (commit_id, ancestor_id, depth) VALUES (?, ?, ?)
	`, []types.Value{types.Text(commitID), types.Text(ancestorID), types.Integer(int64(depth))}); err != nil {
		env.t.Fatal(err)
	}
}

// threeCommitChain seeds: c3 (tip) -> c2 -> c1, each revising entity kv.
func (env *testEnv) threeCommitChain() {
	v1, v2, v3 := `{"value":"v1"}`, `{"value":"v2"}`, `{"value":"v3"}`
	env.addChange("chg-1", "kv", "test_state_schema", "snap-1", "2024-01-01T00:00:00.000Z", &v1)
	env.addChange("chg-2", "kv", "test_state_schema", "snap-2", "2024-01-02T00:00:00.000Z", &v2)
	env.addChange("chg-3", "kv", "test_state_schema", "snap-3", "2024-01-03T00:00:00.000Z", &v3)
	env.addCommit("c1", []string{"chg-1"}, "2024-01-01T00:00:00.000Z")
	env.addCommit("c2", []string{"chg-2"}, "2024-01-02T00:00:00.000Z")
	env.addCommit("c3", []string{"chg-3"}, "2024-01-03T00:00:00.000Z")
	env.addAncestry("c3", "c3", 0)
	env.addAncestry("c3", "c2", 1)
	env.addAncestry("c3", "c1", 2)
}

func (env *testEnv) breakpoints(root string) []Breakpoint {
	env.t.Helper()
	res, err := env.b.Execute(env.ctx, `
		SELECT entity_id, schema_key, file_id, from_depth, snapshot_id, change_id
		FROM lix_internal_entity_state_timeline_breakpoint
		WHERE root_commit_id = ?
		ORDER BY entity_id, from_depth
	`, []types.Value{types.Text(root)})
	if err != nil {
		env.t.Fatal(err)
	}
	out := make([]Breakpoint, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, Breakpoint{
			RootCommitID: root,
			EntityID:     row[0].AsText(),
			SchemaKey:    row[1].AsText(),
			FileID:       row[2].AsText(),
			FromDepth:    int(row[3].AsInt()),
			SnapshotID:   row[4].AsText(),
			ChangeID:     row[5].AsText(),
		})
	}
	return out
}

func TestBuildEmitsBreakpointPerRevision(t *testing.T) {
	env := newTestEnv(t)
	env.threeCommitChain()

	if err := Build(env.ctx, env.b, "c3", "2024-01-04T00:00:00.000Z"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	bps := env.breakpoints("c3")
	if len(bps) != 3 {
		t.Fatalf("breakpoints = %d, want 3", len(bps))
	}
	wantDepthChange := map[int]string{0: "chg-3", 1: "chg-2", 2: "chg-1"}
	for _, bp := range bps {
		if wantDepthChange[bp.FromDepth] != bp.ChangeID {
			t.Errorf("depth %d carries %s, want %s", bp.FromDepth, bp.ChangeID, wantDepthChange[bp.FromDepth])
		}
	}
}

func TestBuildIsIdempotentAndMonotone(t *testing.T) {
	env := newTestEnv(t)
	env.threeCommitChain()

	if err := Build(env.ctx, env.b, "c3", "2024-01-04T00:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	first, err := Status(env.ctx, env.b, "c3")
	if err != nil {
		t.Fatal(err)
	}
	coldRows := env.breakpoints("c3")

	if err := Build(env.ctx, env.b, "c3", "2024-01-05T00:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	second, err := Status(env.ctx, env.b, "c3")
	if err != nil {
		t.Fatal(err)
	}
	if second < first {
		t.Errorf("watermark regressed: %d -> %d", first, second)
	}
	warmRows := env.breakpoints("c3")
	if len(warmRows) != len(coldRows) {
		t.Errorf("rebuild changed row count: %d -> %d", len(coldRows), len(warmRows))
	}
}

func TestUnchangedSignatureEmitsNoBreakpoint(t *testing.T) {
	env := newTestEnv(t)
	// c2 -> c1 where c2 re-records the identical change content: the
	// signature includes the change id, so a literally identical change
	// row referenced twice collapses to the nearest depth.
	v1 := `{"value":"same"}`
	env.addChange("chg-same", "kv", "test_state_schema", "snap-same", "2024-01-01T00:00:00.000Z", &v1)
	env.addCommit("c1", []string{"chg-same"}, "2024-01-01T00:00:00.000Z")
	env.addCommit("c2", []string{"chg-same"}, "2024-01-02T00:00:00.000Z")
	env.addAncestry("c2", "c2", 0)
	env.addAncestry("c2", "c1", 1)

	if err := Build(env.ctx, env.b, "c2", "2024-01-03T00:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	bps := env.breakpoints("c2")
	if len(bps) != 1 {
		t.Fatalf("breakpoints = %d, want 1 (shared change collapses)", len(bps))
	}
	if bps[0].FromDepth != 0 {
		t.Errorf("collapsed breakpoint at depth %d, want 0", bps[0].FromDepth)
	}
}

func TestBuildWithoutAncestryIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	if err := Build(env.ctx, env.b, "ghost", "2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("Build on unknown root failed: %v", err)
	}
	if len(env.breakpoints("ghost")) != 0 {
		t.Error("unknown root produced breakpoints")
	}
}
