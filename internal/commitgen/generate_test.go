package commitgen

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/untoldecay/lix/internal/funcs"
	"github.com/untoldecay/lix/internal/types"
)

const testTimestamp = "2024-01-01T00:00:00.000Z"

func strptr(s string) *string { return &s }

func domainChange(id, entityID, versionID string, writer *string) types.DomainChangeInput {
	snapshot := `{"key":"` + entityID + `","value":"v"}`
	return types.DomainChangeInput{
		ChangeRow: types.ChangeRow{
			ID:              id,
			EntityID:        entityID,
			SchemaKey:       types.SchemaKeyKeyValue,
			SchemaVersion:   "1.0",
			FileID:          "lix",
			PluginKey:       "lix_own_change_control",
			SnapshotContent: &snapshot,
			CreatedAt:       testTimestamp,
		},
		VersionID: versionID,
		WriterKey: writer,
	}
}

func versionInfo(id, parent string) types.VersionInfo {
	return types.VersionInfo{
		ParentCommitIDs: []string{parent},
		Snapshot:        types.VersionSnapshot{ID: id, CommitID: parent},
	}
}

func countBySchema(rows []types.MaterializedStateRow) map[string]int {
	counts := map[string]int{}
	for _, row := range rows {
		counts[row.SchemaKey]++
	}
	return counts
}

func TestGenerateSingleActiveVersionChange(t *testing.T) {
	provider := funcs.NewDeterministic(testTimestamp)
	args := GenerateArgs{
		Timestamp:      testTimestamp,
		ActiveAccounts: []string{"acct-1"},
		Changes: []types.DomainChangeInput{
			domainChange("chg_active", "kv_active", "main", strptr("writer:test")),
		},
		Versions: map[string]types.VersionInfo{
			"main":              versionInfo("main", "P_active"),
			types.GlobalVersion: versionInfo(types.GlobalVersion, "P_global"),
		},
	}

	result, err := Generate(args, provider.UUID)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// Domain change + tip change + commit change.
	if len(result.Changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(result.Changes))
	}

	var commitChange *types.ChangeRow
	for i := range result.Changes {
		if result.Changes[i].SchemaKey == types.SchemaKeyCommit {
			commitChange = &result.Changes[i]
		}
	}
	if commitChange == nil {
		t.Fatal("no commit change emitted")
	}
	var snapshot types.CommitSnapshot
	if err := json.Unmarshal([]byte(*commitChange.SnapshotContent), &snapshot); err != nil {
		t.Fatalf("commit snapshot is invalid JSON: %v", err)
	}
	if !reflect.DeepEqual(snapshot.ParentCommitIDs, []string{"P_active"}) {
		t.Errorf("parent_commit_ids = %v, want [P_active]", snapshot.ParentCommitIDs)
	}
	if !reflect.DeepEqual(snapshot.ChangeIDs, []string{"chg_active"}) {
		t.Errorf("change_ids = %v, want [chg_active]", snapshot.ChangeIDs)
	}
	if !reflect.DeepEqual(snapshot.AuthorAccountIDs, []string{"acct-1"}) {
		t.Errorf("author_account_ids = %v, want [acct-1]", snapshot.AuthorAccountIDs)
	}
	if len(snapshot.MetaChangeIDs) != 1 {
		t.Errorf("meta_change_ids = %v, want the tip change id", snapshot.MetaChangeIDs)
	}

	if len(result.MaterializedState) != 6 {
		t.Fatalf("expected 6 materialized rows, got %d", len(result.MaterializedState))
	}
	counts := countBySchema(result.MaterializedState)
	for _, schemaKey := range []string{
		types.SchemaKeyKeyValue, types.SchemaKeyChangeAuthor, types.SchemaKeyChangeSetElement,
		types.SchemaKeyCommit, types.SchemaKeyVersionTip, types.SchemaKeyCommitEdge,
	} {
		if counts[schemaKey] != 1 {
			t.Errorf("materialized %s count = %d, want 1", schemaKey, counts[schemaKey])
		}
	}

	for _, row := range result.MaterializedState {
		if row.SchemaKey == types.SchemaKeyKeyValue {
			if row.WriterKey == nil || *row.WriterKey != "writer:test" {
				t.Errorf("domain row writer_key = %v, want writer:test", row.WriterKey)
			}
			if row.VersionID != "main" {
				t.Errorf("domain row version_id = %s, want main", row.VersionID)
			}
		} else if row.WriterKey != nil {
			t.Errorf("meta row %s carries writer_key %q", row.SchemaKey, *row.WriterKey)
		}
	}
}

func TestGenerateMultiVersionCommit(t *testing.T) {
	provider := funcs.NewDeterministic(testTimestamp)
	args := GenerateArgs{
		Timestamp:      testTimestamp,
		ActiveAccounts: []string{"acct-1", "acct-2", "acct-1"},
		Changes: []types.DomainChangeInput{
			domainChange("chg_a", "kv_a", "version-a", nil),
			domainChange("chg_b", "kv_b", "version-b", nil),
		},
		Versions: map[string]types.VersionInfo{
			"version-a": versionInfo("version-a", "P_a"),
			"version-b": versionInfo("version-b", "P_b"),
		},
	}

	result, err := Generate(args, provider.UUID)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// 2 domain + 2 tips + 2 commits.
	if len(result.Changes) != 6 {
		t.Fatalf("expected 6 changes, got %d", len(result.Changes))
	}
	// Per version: domain + cse + commit + tip + edge = 5, plus 2 authors
	// per domain change (two accounts) = 4 total.
	if len(result.MaterializedState) != 14 {
		t.Fatalf("expected 14 materialized rows, got %d", len(result.MaterializedState))
	}

	counts := countBySchema(result.MaterializedState)
	if counts[types.SchemaKeyCommit] != 2 || counts[types.SchemaKeyVersionTip] != 2 {
		t.Errorf("commit/tip counts = %d/%d, want 2/2",
			counts[types.SchemaKeyCommit], counts[types.SchemaKeyVersionTip])
	}
	if counts[types.SchemaKeyChangeAuthor] != 4 {
		t.Errorf("change_author count = %d, want 4", counts[types.SchemaKeyChangeAuthor])
	}

	for _, row := range result.MaterializedState {
		if row.SchemaKey == types.SchemaKeyChangeSetElement && row.VersionID != types.GlobalVersion {
			t.Errorf("change_set_element row under %s, want global", row.VersionID)
		}
	}
}

func TestGenerateGlobalCommitOwnsChangeSetElements(t *testing.T) {
	provider := funcs.NewDeterministic(testTimestamp)
	args := GenerateArgs{
		Timestamp:      testTimestamp,
		ActiveAccounts: []string{"acct-1"},
		Changes: []types.DomainChangeInput{
			domainChange("chg_main", "kv_main", "main", nil),
			domainChange("chg_global", "kv_global", types.GlobalVersion, nil),
		},
		Versions: map[string]types.VersionInfo{
			"main":              versionInfo("main", "P_main"),
			types.GlobalVersion: versionInfo(types.GlobalVersion, "P_global"),
		},
	}

	result, err := Generate(args, provider.UUID)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var globalCommitID string
	for _, row := range result.MaterializedState {
		if row.SchemaKey == types.SchemaKeyVersionTip && row.EntityID == types.GlobalVersion {
			var snap types.VersionSnapshot
			if err := json.Unmarshal([]byte(*row.SnapshotContent), &snap); err != nil {
				t.Fatalf("tip snapshot: %v", err)
			}
			globalCommitID = snap.CommitID
		}
	}
	if globalCommitID == "" {
		t.Fatal("no global tip row")
	}
	for _, row := range result.MaterializedState {
		if row.SchemaKey == types.SchemaKeyChangeSetElement && row.CommitID != globalCommitID {
			t.Errorf("change_set_element commit_id = %s, want global commit %s",
				row.CommitID, globalCommitID)
		}
	}
}

func TestGenerateDuplicateChangeID(t *testing.T) {
	provider := funcs.NewDeterministic(testTimestamp)
	args := GenerateArgs{
		Timestamp:      testTimestamp,
		ActiveAccounts: []string{"acct-1"},
		Changes: []types.DomainChangeInput{
			domainChange("dup", "kv_1", "main", nil),
			domainChange("dup", "kv_2", "main", nil),
		},
		Versions: map[string]types.VersionInfo{
			"main": versionInfo("main", "P"),
		},
	}

	_, err := Generate(args, provider.UUID)
	if err == nil {
		t.Fatal("expected error for duplicate change id")
	}
	if !strings.Contains(err.Error(), "duplicate change id") {
		t.Errorf("error = %q, want it to mention duplicate change id", err)
	}
}

func TestGenerateValidation(t *testing.T) {
	provider := funcs.NewDeterministic(testTimestamp)

	if _, err := Generate(GenerateArgs{Timestamp: testTimestamp}, provider.UUID); err == nil {
		t.Error("expected error for empty versions map")
	}

	args := GenerateArgs{
		Timestamp: testTimestamp,
		Versions: map[string]types.VersionInfo{
			"main": {Snapshot: types.VersionSnapshot{ID: "other"}},
		},
	}
	if _, err := Generate(args, provider.UUID); err == nil ||
		!strings.Contains(err.Error(), "snapshot.id must equal version id") {
		t.Errorf("error = %v, want snapshot id mismatch", err)
	}

	args = GenerateArgs{
		Timestamp: testTimestamp,
		Changes: []types.DomainChangeInput{
			domainChange("chg", "kv", "missing", nil),
		},
		Versions: map[string]types.VersionInfo{
			"main": versionInfo("main", "P"),
		},
	}
	if _, err := Generate(args, provider.UUID); err == nil ||
		!strings.Contains(err.Error(), "missing version context") {
		t.Errorf("error = %v, want missing version context", err)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	build := func() *GenerateResult {
		provider := funcs.NewDeterministic(testTimestamp)
		args := GenerateArgs{
			Timestamp:      testTimestamp,
			ActiveAccounts: []string{"acct-1"},
			Changes: []types.DomainChangeInput{
				domainChange("chg_b", "kv_b", "version-b", nil),
				domainChange("chg_a", "kv_a", "version-a", nil),
			},
			Versions: map[string]types.VersionInfo{
				"version-a": versionInfo("version-a", "P_a"),
				"version-b": versionInfo("version-b", "P_b"),
			},
		}
		result, err := Generate(args, provider.UUID)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		return result
	}

	first := build()
	second := build()
	if !reflect.DeepEqual(first, second) {
		t.Error("two runs with the same uuid stream diverge")
	}
}
