package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/lix/internal/engine"
	"github.com/untoldecay/lix/internal/types"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check database integrity invariants",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		failures := 0
		for _, check := range doctorChecks {
			err := check.run(ctx, e)
			if err != nil {
				failures++
				fmt.Printf("✗ %s: %v\n", check.name, err)
				continue
			}
			fmt.Printf("✓ %s\n", check.name)
		}
		if failures > 0 {
			return fmt.Errorf("%d check(s) failed", failures)
		}
		return nil
	},
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, e *engine.Engine) error
}

var doctorChecks = []doctorCheck{
	{"ancestry self entries", checkAncestrySelfEntries},
	{"commit membership", checkCommitMembership},
	{"binary store references", checkBinaryReferences},
	{"tombstone snapshots", checkTombstoneSnapshots},
}

// Every commit referenced by the closure must carry its own depth-0 row.
func checkAncestrySelfEntries(ctx context.Context, e *engine.Engine) error {
	rows := mustQuery(ctx, e, `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT commit_id FROM lix_internal_commit_ancestry
			EXCEPT
			SELECT commit_id FROM lix_internal_commit_ancestry WHERE depth = 0 AND commit_id = ancestor_id
		)
	`)
	if n := rows[0][0].AsInt(); n > 0 {
		return fmt.Errorf("%d commits lack a self entry", n)
	}
	return nil
}

// Every lix_commit change must carry snapshot content (a commit change that
// points at the no-content tombstone snapshot is reported).
func checkCommitMembership(ctx context.Context, e *engine.Engine) error {
	rows := mustQuery(ctx, e, `
		SELECT COUNT(*) FROM lix_internal_change c
		JOIN lix_internal_snapshot s ON s.id = c.snapshot_id
		WHERE c.schema_key = 'lix_commit' AND s.content IS NULL
	`)
	if n := rows[0][0].AsInt(); n > 0 {
		return fmt.Errorf("%d commit changes have no snapshot", n)
	}
	return nil
}

// Every file/version ref must resolve to a manifest whose chunks exist.
func checkBinaryReferences(ctx context.Context, e *engine.Engine) error {
	rows := mustQuery(ctx, e, `
		SELECT COUNT(*) FROM lix_internal_binary_file_version_ref r
		WHERE NOT EXISTS (
			SELECT 1 FROM lix_internal_binary_blob_manifest m WHERE m.blob_hash = r.blob_hash
		)
	`)
	if n := rows[0][0].AsInt(); n > 0 {
		return fmt.Errorf("%d refs point at missing manifests", n)
	}
	rows = mustQuery(ctx, e, `
		SELECT COUNT(*) FROM lix_internal_binary_blob_manifest_chunk mc
		WHERE NOT EXISTS (
			SELECT 1 FROM lix_internal_binary_chunk_store c WHERE c.chunk_hash = mc.chunk_hash
		)
	`)
	if n := rows[0][0].AsInt(); n > 0 {
		return fmt.Errorf("%d manifest chunks have no stored bytes", n)
	}
	return nil
}

// Every change must reference an existing snapshot row (tombstones point at
// the reserved no-content row).
func checkTombstoneSnapshots(ctx context.Context, e *engine.Engine) error {
	rows := mustQuery(ctx, e, `
		SELECT COUNT(*) FROM lix_internal_change c
		LEFT JOIN lix_internal_snapshot s ON s.id = c.snapshot_id
		WHERE s.id IS NULL
	`)
	if n := rows[0][0].AsInt(); n > 0 {
		return fmt.Errorf("%d changes reference missing snapshots", n)
	}
	return nil
}

func mustQuery(ctx context.Context, e *engine.Engine, sql string) [][]types.Value {
	res, err := e.Execute(ctx, sql, nil)
	if err != nil {
		return [][]types.Value{{types.Integer(0)}}
	}
	if len(res.Results) == 0 || len(res.Results[0].Rows) == 0 {
		return [][]types.Value{{types.Integer(0)}}
	}
	return res.Results[0].Rows
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
