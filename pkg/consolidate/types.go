// Package consolidate merges the divergent work products of multiple
// workers back into a single integrated revision. Analysis pulls each
// worker's diff against the base revision, scores every changed file,
// detects pairwise conflicts, and derives a recommended strategy; user
// resolutions then produce a deterministic merge plan which export applies
// onto a fresh checkout of the base.
package consolidate

import (
	"fmt"
	"time"

	"hive/pkg/vcs"
)

// Status is a consolidation lifecycle state. Transitions are monotone:
// pending < analyzing < analyzed < ready < completed.
type Status string

// Consolidation lifecycle states.
const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusAnalyzed  Status = "analyzed"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusAnalyzing: 1,
	StatusAnalyzed:  2,
	StatusReady:     3,
	StatusCompleted: 4,
}

// Resolution actions.
const (
	ActionMerge      = "merge"
	ActionReject     = "reject"
	ActionKeepOurs   = "keep-ours"
	ActionKeepTheirs = "keep-theirs"
	ActionVoting     = "voting"
	ActionUnion      = "union"
	ActionManual     = "manual"
)

// Conflict types.
const (
	ConflictSameLine     = "same-line"
	ConflictDeleteModify = "delete-modify"
	ConflictImport       = "import-conflict"
	ConflictExport       = "export-conflict"
	ConflictStructural   = "structural"
)

// Recommended merge strategies derived from the conflict mix.
const (
	StrategyAuto   = "auto"
	StrategyVoting = "voting"
	StrategyUnion  = "union"
	StrategyManual = "manual"
)

// Participant identifies one worker taking part in a consolidation.
type Participant struct {
	WorkerID string `json:"worker_id"`
	Worktree string `json:"worktree"`
	Branch   string `json:"branch"`
}

// FileMetrics are the raw measurements behind a file's quality scores,
// computed over the lines the worker added.
type FileMetrics struct {
	LineCount     int     `json:"line_count"`
	AvgLineLength float64 `json:"avg_line_length"`
	MaxLineLength int     `json:"max_line_length"`
	Complexity    int     `json:"complexity"`
	HasComments   bool    `json:"has_comments"`
	IsTestFile    bool    `json:"is_test_file"`
	TestLineRatio float64 `json:"test_line_ratio"`
	NetChange     int     `json:"net_change"`
}

// QualityScore holds the dimension subscores and the weighted total, all in
// [0,1].
type QualityScore struct {
	Consistency  float64 `json:"consistency"`
	TestCoverage float64 `json:"test_coverage"`
	CodeQuality  float64 `json:"code_quality"`
	Efficiency   float64 `json:"efficiency"`
	Total        float64 `json:"total"`
}

// FileReport is one worker's change to one path, scored.
type FileReport struct {
	Path     string         `json:"path"`
	WorkerID string         `json:"worker_id"`
	Status   vcs.FileStatus `json:"status"`
	Metrics  FileMetrics    `json:"metrics"`
	Score    QualityScore   `json:"score"`
	Hunks    []vcs.Hunk     `json:"hunks,omitempty"`
}

// ConflictRecord describes one pairwise conflict between two workers on one
// path.
type ConflictRecord struct {
	Path         string   `json:"path"`
	Type         string   `json:"type"`
	WorkerA      string   `json:"worker_a"`
	WorkerB      string   `json:"worker_b"`
	HunkA        vcs.Hunk `json:"hunk_a"`
	HunkB        vcs.Hunk `json:"hunk_b"`
	OverlapStart int      `json:"overlap_start,omitempty"`
	OverlapEnd   int      `json:"overlap_end,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

// Preview is the aggregate analysis result.
type Preview struct {
	TotalFiles    int              `json:"total_files"`
	AutoMergeable int              `json:"auto_mergeable"`
	Conflicting   int              `json:"conflicting"`
	Files         []FileReport     `json:"files"`
	Conflicts     []ConflictRecord `json:"conflicts"`
	Recommended   string           `json:"recommended_strategy"`
}

// Resolution is the caller's decision for one path.
type Resolution struct {
	Path     string `json:"path"`
	Action   string `json:"action"`
	WorkerID string `json:"worker_id,omitempty"` // chosen source for merge
	Content  string `json:"content,omitempty"`   // manual content
}

// PlanFile is one entry of the merge plan, in application order.
type PlanFile struct {
	Path         string `json:"path"`
	SourceWorker string `json:"source_worker,omitempty"`
	UnionWith    string `json:"union_with,omitempty"` // second source for union merges
	Manual       bool   `json:"manual,omitempty"`
	Content      string `json:"content,omitempty"`
}

// MergePlan is the deterministic list of files to apply at export.
type MergePlan struct {
	Files []PlanFile `json:"files"`
}

// FileFailure records one file that could not be applied during export.
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// MergeResult is the export outcome.
type MergeResult struct {
	Merged  []string      `json:"merged"`
	Failed  []FileFailure `json:"failed,omitempty"`
	Commit  string        `json:"commit,omitempty"`
	Branch  string        `json:"branch,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Consolidation is the orchestrating record.
type Consolidation struct {
	ID           string        `json:"id"`
	Project      string        `json:"project"`
	BaseRevision string        `json:"base_revision"`
	Participants []Participant `json:"participants"`
	Strategy     string        `json:"strategy,omitempty"`
	Status       Status        `json:"status"`
	Preview      *Preview      `json:"preview,omitempty"`
	Plan         *MergePlan    `json:"plan,omitempty"`
	Result       *MergeResult  `json:"result,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	AnalyzedAt   time.Time     `json:"analyzed_at,omitzero"`
	CompletedAt  time.Time     `json:"completed_at,omitzero"`
}

// advance moves the consolidation to a later status; regressions are
// rejected so ready can never back out once reached.
func (c *Consolidation) advance(to Status) error {
	if statusRank[to] < statusRank[c.Status] {
		return fmt.Errorf("consolidation %s: cannot move %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	return nil
}

// NotFoundError reports an unknown consolidation id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("consolidation %s not found", e.ID)
}
