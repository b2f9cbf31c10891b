// Package commitgen turns a batch of domain changes plus version context
// into the canonical row set for one commit per affected version.
//
// Generate is pure: given the same arguments and uuid stream it yields
// byte-identical output. All I/O stays with the caller.
package commitgen

import (
	"encoding/json"
	"sort"

	"github.com/untoldecay/lix/internal/schema"
	"github.com/untoldecay/lix/internal/types"
)

// GenerateArgs is the input of Generate.
type GenerateArgs struct {
	Timestamp      string
	ActiveAccounts []string
	Changes        []types.DomainChangeInput
	Versions       map[string]types.VersionInfo
}

// GenerateResult is the full set of rows that realize one commit across
// all affected versions, including global-scope meta rows.
type GenerateResult struct {
	Changes           []types.ChangeRow
	MaterializedState []types.MaterializedStateRow
}

type versionMeta struct {
	commitID        string
	changeSetID     string
	parentCommitIDs []string
}

// Generate implements commit generation. nextUUID supplies ids in
// deterministic draw order: versions are visited in sorted order, the tip
// change drawn before the commit change.
func Generate(args GenerateArgs, nextUUID func() string) (*GenerateResult, error) {
	if len(args.Versions) == 0 {
		return nil, &types.LixError{Message: "generate_commit: versions map is required"}
	}
	for versionID, info := range args.Versions {
		if info.Snapshot.ID != versionID {
			return nil, types.Errorf(
				"generate_commit: versions['%s'].snapshot.id must equal version id", versionID)
		}
	}
	seen := map[string]bool{}
	for _, change := range args.Changes {
		if seen[change.ID] {
			return nil, types.Errorf("generate_commit: duplicate change id '%s'", change.ID)
		}
		seen[change.ID] = true
	}

	commitVer, commitFile, commitPlugin, err := schema.BuiltinMeta(types.SchemaKeyCommit)
	if err != nil {
		return nil, err
	}
	tipVer, tipFile, tipPlugin, err := schema.BuiltinMeta(types.SchemaKeyVersionTip)
	if err != nil {
		return nil, err
	}
	cseVer, cseFile, csePlugin, err := schema.BuiltinMeta(types.SchemaKeyChangeSetElement)
	if err != nil {
		return nil, err
	}
	edgeVer, edgeFile, edgePlugin, err := schema.BuiltinMeta(types.SchemaKeyCommitEdge)
	if err != nil {
		return nil, err
	}
	authorVer, authorFile, authorPlugin, err := schema.BuiltinMeta(types.SchemaKeyChangeAuthor)
	if err != nil {
		return nil, err
	}

	outputChanges := make([]types.ChangeRow, 0, len(args.Changes)+2*len(args.Versions))
	for _, change := range args.Changes {
		outputChanges = append(outputChanges, change.ChangeRow)
	}
	var materialized []types.MaterializedStateRow

	// Partition domain changes by version, preserving input order within
	// each partition.
	domainByVersion := map[string][]types.DomainChangeInput{}
	for _, change := range args.Changes {
		domainByVersion[change.VersionID] = append(domainByVersion[change.VersionID], change)
	}
	versionIDs := make([]string, 0, len(domainByVersion))
	for versionID := range domainByVersion {
		versionIDs = append(versionIDs, versionID)
	}
	sort.Strings(versionIDs)

	metaByVersion := map[string]versionMeta{}
	for _, versionID := range versionIDs {
		info, ok := args.Versions[versionID]
		if !ok {
			return nil, types.Errorf("generate_commit: missing version context for '%s'", versionID)
		}
		metaByVersion[versionID] = versionMeta{
			commitID:        nextUUID(),
			changeSetID:     nextUUID(),
			parentCommitIDs: info.ParentCommitIDs,
		}
	}

	uniqueAccounts := dedupeOrdered(args.ActiveAccounts)

	// Meta-change rows: per version, tip change then commit change. The
	// commit snapshot is enriched with membership metadata afterwards.
	var metaChanges []types.ChangeRow
	tipChangeID := map[string]string{}
	commitChangeID := map[string]string{}
	commitRowIndex := map[string]int{}
	for _, versionID := range versionIDs {
		meta := metaByVersion[versionID]
		info := args.Versions[versionID]

		tipID := nextUUID()
		tipChangeID[versionID] = tipID
		tipSnapshot := mustJSON(types.VersionSnapshot{
			ID:              versionID,
			CommitID:        meta.commitID,
			WorkingCommitID: info.Snapshot.WorkingCommitID,
		})
		metaChanges = append(metaChanges, types.ChangeRow{
			ID:              tipID,
			EntityID:        versionID,
			SchemaKey:       types.SchemaKeyVersionTip,
			SchemaVersion:   tipVer,
			FileID:          tipFile,
			PluginKey:       tipPlugin,
			SnapshotContent: &tipSnapshot,
			CreatedAt:       args.Timestamp,
		})

		commitID := nextUUID()
		commitChangeID[versionID] = commitID
		commitRowIndex[versionID] = len(metaChanges)
		commitSnapshot := mustJSON(map[string]string{
			"id":            meta.commitID,
			"change_set_id": meta.changeSetID,
		})
		metaChanges = append(metaChanges, types.ChangeRow{
			ID:              commitID,
			EntityID:        meta.commitID,
			SchemaKey:       types.SchemaKeyCommit,
			SchemaVersion:   commitVer,
			FileID:          commitFile,
			PluginKey:       commitPlugin,
			SnapshotContent: &commitSnapshot,
			CreatedAt:       args.Timestamp,
		})
	}

	// Change-set elements live under global, bound to global's commit when
	// the global version is part of the batch.
	globalCommitID := ""
	if meta, ok := metaByVersion[types.GlobalVersion]; ok {
		globalCommitID = meta.commitID
	}

	for _, versionID := range versionIDs {
		meta := metaByVersion[versionID]
		cseCommitID := globalCommitID
		if cseCommitID == "" {
			cseCommitID = meta.commitID
		}
		for _, change := range domainByVersion[versionID] {
			materialized = append(materialized, types.MaterializedStateRow{
				ID:              change.ID,
				EntityID:        change.EntityID,
				SchemaKey:       change.SchemaKey,
				SchemaVersion:   change.SchemaVersion,
				FileID:          change.FileID,
				PluginKey:       change.PluginKey,
				SnapshotContent: change.SnapshotContent,
				Metadata:        change.Metadata,
				CreatedAt:       change.CreatedAt,
				UpdatedAt:       change.CreatedAt,
				VersionID:       versionID,
				CommitID:        meta.commitID,
				WriterKey:       change.WriterKey,
			})

			cseSnapshot := mustJSON(types.ChangeSetElementSnapshot{
				ChangeSetID: meta.changeSetID,
				ChangeID:    change.ID,
				EntityID:    change.EntityID,
				SchemaKey:   change.SchemaKey,
				FileID:      change.FileID,
			})
			materialized = append(materialized, types.MaterializedStateRow{
				ID:              nextUUID(),
				EntityID:        meta.changeSetID + "~" + change.ID,
				SchemaKey:       types.SchemaKeyChangeSetElement,
				SchemaVersion:   cseVer,
				FileID:          cseFile,
				PluginKey:       csePlugin,
				SnapshotContent: &cseSnapshot,
				CreatedAt:       args.Timestamp,
				UpdatedAt:       args.Timestamp,
				VersionID:       types.GlobalVersion,
				CommitID:        cseCommitID,
			})
		}
	}

	// Per-(change, account) author rows in global scope.
	for _, versionID := range versionIDs {
		meta := metaByVersion[versionID]
		for _, change := range domainByVersion[versionID] {
			for _, accountID := range uniqueAccounts {
				authorSnapshot := mustJSON(types.ChangeAuthorSnapshot{
					ChangeID:  change.ID,
					AccountID: accountID,
				})
				materialized = append(materialized, types.MaterializedStateRow{
					ID:              commitChangeID[versionID],
					EntityID:        change.ID + "~" + accountID,
					SchemaKey:       types.SchemaKeyChangeAuthor,
					SchemaVersion:   authorVer,
					FileID:          authorFile,
					PluginKey:       authorPlugin,
					SnapshotContent: &authorSnapshot,
					CreatedAt:       args.Timestamp,
					UpdatedAt:       args.Timestamp,
					VersionID:       types.GlobalVersion,
					CommitID:        meta.commitID,
				})
			}
		}
	}

	// Enrich commit snapshots in place with membership metadata.
	for _, versionID := range versionIDs {
		meta := metaByVersion[versionID]
		idx := commitRowIndex[versionID]

		changeIDs := make([]string, 0, len(domainByVersion[versionID]))
		for _, change := range domainByVersion[versionID] {
			changeIDs = append(changeIDs, change.ID)
		}
		snapshot := mustJSON(types.CommitSnapshot{
			ID:               meta.commitID,
			ChangeSetID:      meta.changeSetID,
			ParentCommitIDs:  emptyNotNil(meta.parentCommitIDs),
			ChangeIDs:        changeIDs,
			AuthorAccountIDs: emptyNotNil(uniqueAccounts),
			MetaChangeIDs:    []string{tipChangeID[versionID]},
		})
		metaChanges[idx].SnapshotContent = &snapshot
	}

	// Global projection rows for commits and tips so commit views resolve
	// immediately, then one edge row per (parent, child).
	for _, versionID := range versionIDs {
		meta := metaByVersion[versionID]
		info := args.Versions[versionID]

		commitSnapshot := mustJSON(map[string]string{
			"id":            meta.commitID,
			"change_set_id": meta.changeSetID,
		})
		materialized = append(materialized, types.MaterializedStateRow{
			ID:              nextUUID(),
			EntityID:        meta.commitID,
			SchemaKey:       types.SchemaKeyCommit,
			SchemaVersion:   commitVer,
			FileID:          commitFile,
			PluginKey:       commitPlugin,
			SnapshotContent: &commitSnapshot,
			CreatedAt:       args.Timestamp,
			UpdatedAt:       args.Timestamp,
			VersionID:       types.GlobalVersion,
			CommitID:        meta.commitID,
		})

		tipSnapshot := mustJSON(types.VersionSnapshot{
			ID:              versionID,
			CommitID:        meta.commitID,
			WorkingCommitID: info.Snapshot.WorkingCommitID,
		})
		materialized = append(materialized, types.MaterializedStateRow{
			ID:              tipChangeID[versionID],
			EntityID:        versionID,
			SchemaKey:       types.SchemaKeyVersionTip,
			SchemaVersion:   tipVer,
			FileID:          tipFile,
			PluginKey:       tipPlugin,
			SnapshotContent: &tipSnapshot,
			CreatedAt:       args.Timestamp,
			UpdatedAt:       args.Timestamp,
			VersionID:       types.GlobalVersion,
			CommitID:        meta.commitID,
		})
	}

	for _, versionID := range versionIDs {
		meta := metaByVersion[versionID]
		edgeCommitID := globalCommitID
		if edgeCommitID == "" {
			edgeCommitID = meta.commitID
		}
		for _, parentID := range meta.parentCommitIDs {
			if parentID == "" {
				continue
			}
			edgeSnapshot := mustJSON(types.CommitEdge{ParentID: parentID, ChildID: meta.commitID})
			materialized = append(materialized, types.MaterializedStateRow{
				ID:              nextUUID(),
				EntityID:        parentID + "~" + meta.commitID,
				SchemaKey:       types.SchemaKeyCommitEdge,
				SchemaVersion:   edgeVer,
				FileID:          edgeFile,
				PluginKey:       edgePlugin,
				SnapshotContent: &edgeSnapshot,
				CreatedAt:       args.Timestamp,
				UpdatedAt:       args.Timestamp,
				VersionID:       types.GlobalVersion,
				CommitID:        edgeCommitID,
			})
		}
	}

	outputChanges = append(outputChanges, metaChanges...)
	return &GenerateResult{
		Changes:           outputChanges,
		MaterializedState: materialized,
	}, nil
}

func dedupeOrdered(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func emptyNotNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
