package consolidate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// exportRoot is the project-relative directory for export checkouts.
const exportRoot = ".hive/exports"

// Export applies the merge plan onto a fresh checkout of the base revision
// on targetBranch, stages the merged files, and commits. File-level
// failures are recorded and do not stop the export; the consolidation
// completes only when every file applied cleanly.
func (c *Consolidator) Export(ctx context.Context, id, targetBranch, message string) (MergeResult, error) {
	rec, err := c.store.Get(id)
	if err != nil {
		return MergeResult{}, err
	}
	if rec.Plan == nil {
		return MergeResult{}, fmt.Errorf("consolidation %s has no merge plan; resolve first", id)
	}
	if targetBranch == "" {
		return MergeResult{}, fmt.Errorf("target branch required")
	}
	if message == "" {
		message = fmt.Sprintf("consolidate %d workers onto %s", len(rec.Participants), rec.BaseRevision)
	}

	exportDir := filepath.Join(rec.Project, exportRoot, rec.ID)
	if err := c.git.AddWorktree(ctx, rec.Project, exportDir, targetBranch, rec.BaseRevision); err != nil {
		return MergeResult{}, fmt.Errorf("export checkout: %w", err)
	}
	defer func() {
		if rmErr := c.git.RemoveWorktree(ctx, rec.Project, exportDir); rmErr != nil {
			c.logger.Warn("export checkout cleanup failed: " + rmErr.Error())
		}
	}()

	worktreeFor := make(map[string]string, len(rec.Participants))
	for _, p := range rec.Participants {
		worktreeFor[p.WorkerID] = p.Worktree
	}

	result := MergeResult{Branch: targetBranch, Message: message}
	for _, pf := range rec.Plan.Files {
		if err := c.applyPlanFile(exportDir, worktreeFor, pf); err != nil {
			result.Failed = append(result.Failed, FileFailure{Path: pf.Path, Error: err.Error()})
			continue
		}
		result.Merged = append(result.Merged, pf.Path)
	}

	if len(result.Merged) > 0 {
		if err := c.git.Stage(ctx, exportDir, result.Merged); err != nil {
			return result, fmt.Errorf("stage merged files: %w", err)
		}
		sha, err := c.git.Commit(ctx, exportDir, message)
		if err != nil {
			return result, fmt.Errorf("commit merge: %w", err)
		}
		result.Commit = sha
	}

	rec.Result = &result
	if len(result.Failed) == 0 {
		rec.CompletedAt = time.Now().UTC()
		if err := rec.advance(StatusCompleted); err != nil {
			return result, err
		}
		c.store.Put(rec)
		c.publish("consolidation:completed", map[string]any{
			"id": id, "merged": len(result.Merged), "commit": result.Commit,
		})
	} else {
		// Stays ready so the caller can fix resolutions and retry.
		c.store.Put(rec)
		c.publish("consolidation:failed", map[string]any{
			"id": id, "merged": len(result.Merged), "failed": len(result.Failed),
		})
	}
	return result, nil
}

// applyPlanFile materializes one plan entry in the export checkout.
func (c *Consolidator) applyPlanFile(exportDir string, worktreeFor map[string]string, pf PlanFile) error {
	dst := filepath.Join(exportDir, pf.Path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	if pf.Manual {
		return os.WriteFile(dst, []byte(pf.Content), 0o644) //nolint:gosec // exported source file
	}

	srcTree, ok := worktreeFor[pf.SourceWorker]
	if !ok {
		return fmt.Errorf("unknown source worker %s", pf.SourceWorker)
	}
	content, err := os.ReadFile(filepath.Join(srcTree, pf.Path))
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	if pf.UnionWith != "" {
		otherTree, ok := worktreeFor[pf.UnionWith]
		if ok {
			if other, rerr := os.ReadFile(filepath.Join(otherTree, pf.Path)); rerr == nil {
				content = unionImports(content, other)
			}
		}
	}

	return os.WriteFile(dst, content, 0o644) //nolint:gosec // exported source file
}

// unionImports merges the other side's import/export statements that the
// primary side lacks, inserting them after the primary's last import-like
// line. Only statement-level union is attempted; anything deeper needs a
// manual resolution.
func unionImports(primary, other []byte) []byte {
	primaryLines := strings.Split(string(primary), "\n")
	have := make(map[string]bool, len(primaryLines))
	lastImport := -1
	for i, line := range primaryLines {
		trimmed := strings.TrimSpace(line)
		have[trimmed] = true
		if isImportish(trimmed) {
			lastImport = i
		}
	}

	var missing []string
	for _, line := range strings.Split(string(other), "\n") {
		trimmed := strings.TrimSpace(line)
		if !isImportish(trimmed) || have[trimmed] {
			continue
		}
		missing = append(missing, line)
	}
	if len(missing) == 0 {
		return primary
	}

	insertAt := lastImport + 1
	merged := make([]string, 0, len(primaryLines)+len(missing))
	merged = append(merged, primaryLines[:insertAt]...)
	merged = append(merged, missing...)
	merged = append(merged, primaryLines[insertAt:]...)
	return []byte(strings.Join(merged, "\n"))
}

func isImportish(line string) bool {
	return strings.HasPrefix(line, "import ") ||
		strings.HasPrefix(line, "from ") ||
		strings.HasPrefix(line, "export ")
}
