package consolidate

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"hive/pkg/vcs"
)

// Score weights per the quality model.
const (
	weightConsistency  = 0.30
	weightTestCoverage = 0.25
	weightCodeQuality  = 0.30
	weightEfficiency   = 0.15

	idealMaxLineLength = 120
	idealComplexity    = 20
)

// branchTokens approximate cyclomatic complexity across the common
// languages workers touch.
var branchTokens = regexp.MustCompile(`\b(if|for|case|while|catch|switch|elif|except|when)\b`)

var commentMarkers = []string{"//", "#", "/*", "*", "--"}

// analyze builds the preview for a set of participants: one diff per
// worker, fetched concurrently, then scored and cross-checked for
// conflicts.
func analyze(ctx context.Context, git vcs.Adapter, base string, participants []Participant) (*Preview, error) {
	diffs := make([][]vcs.FileDiff, len(participants))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, p := range participants {
		g.Go(func() error {
			raw, err := git.Diff(gctx, p.Worktree, base)
			if err != nil {
				return fmt.Errorf("diff for worker %s: %w", p.WorkerID, err)
			}
			parsed := vcs.ParseDiff(raw)
			mu.Lock()
			diffs[i] = parsed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Per-worker test ratio: added test lines over added code lines.
	ratios := make([]float64, len(participants))
	for i, files := range diffs {
		var testLines, codeLines int
		for _, f := range files {
			if isTestPath(f.Path) {
				testLines += f.Added
			} else {
				codeLines += f.Added
			}
		}
		if codeLines > 0 {
			ratios[i] = float64(testLines) / float64(codeLines)
		} else if testLines > 0 {
			ratios[i] = 1
		}
	}

	reports := make([]FileReport, 0)
	byPath := make(map[string][]int) // path -> report indexes
	for i, files := range diffs {
		for _, f := range files {
			metrics := measure(f, ratios[i])
			rep := FileReport{
				Path:     f.Path,
				WorkerID: participants[i].WorkerID,
				Status:   f.Status,
				Metrics:  metrics,
				Hunks:    f.Hunks,
			}
			rep.Score.TestCoverage = scoreTestCoverage(metrics)
			rep.Score.CodeQuality = scoreCodeQuality(metrics)
			rep.Score.Efficiency = scoreEfficiency(metrics)
			byPath[f.Path] = append(byPath[f.Path], len(reports))
			reports = append(reports, rep)
		}
	}

	// Consistency: 1 minus the spread of code-quality contributions across
	// the workers that touched the same path; a lone participant scores 1.
	for _, idxs := range byPath {
		if len(idxs) == 1 {
			reports[idxs[0]].Score.Consistency = 1
		} else {
			vals := make([]float64, len(idxs))
			for j, idx := range idxs {
				vals[j] = reports[idx].Score.CodeQuality
			}
			spread := clamp01(1 - stddev(vals))
			for _, idx := range idxs {
				reports[idx].Score.Consistency = spread
			}
		}
	}
	for i := range reports {
		s := &reports[i].Score
		s.Total = clamp01(weightConsistency*s.Consistency +
			weightTestCoverage*s.TestCoverage +
			weightCodeQuality*s.CodeQuality +
			weightEfficiency*s.Efficiency)
	}

	conflicts := detectConflicts(participants, diffs)

	conflictPaths := make(map[string]bool)
	for _, cf := range conflicts {
		conflictPaths[cf.Path] = true
	}
	uniquePaths := make(map[string]bool)
	for path := range byPath {
		uniquePaths[path] = true
	}

	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Path != reports[j].Path {
			return reports[i].Path < reports[j].Path
		}
		return reports[i].WorkerID < reports[j].WorkerID
	})

	return &Preview{
		TotalFiles:    len(uniquePaths),
		AutoMergeable: len(uniquePaths) - len(conflictPaths),
		Conflicting:   len(conflictPaths),
		Files:         reports,
		Conflicts:     conflicts,
		Recommended:   recommendStrategy(conflicts),
	}, nil
}

// measure computes raw metrics over a file's added lines.
func measure(f vcs.FileDiff, workerTestRatio float64) FileMetrics {
	lines := f.AddedLines()
	m := FileMetrics{
		LineCount:     len(lines),
		IsTestFile:    isTestPath(f.Path),
		TestLineRatio: workerTestRatio,
		NetChange:     f.Added - f.Deleted,
	}
	var totalLen int
	for _, line := range lines {
		n := len(line)
		totalLen += n
		if n > m.MaxLineLength {
			m.MaxLineLength = n
		}
		m.Complexity += len(branchTokens.FindAllString(line, -1))
		if !m.HasComments && hasComment(line) {
			m.HasComments = true
		}
	}
	if len(lines) > 0 {
		m.AvgLineLength = float64(totalLen) / float64(len(lines))
	}
	return m
}

func hasComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, marker := range commentMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return true
		}
	}
	return strings.Contains(line, "//") || strings.Contains(line, "/*")
}

// isTestPath applies the path heuristics for test files.
func isTestPath(path string) bool {
	base := strings.ToLower(path)
	switch {
	case strings.Contains(base, "_test."),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."),
		strings.Contains(base, "/tests/"),
		strings.Contains(base, "/test/"),
		strings.Contains(base, "/__tests__/"),
		strings.HasPrefix(base, "tests/"),
		strings.HasPrefix(base, "test/"):
		return true
	}
	return false
}

func scoreTestCoverage(m FileMetrics) float64 {
	score := math.Min(m.TestLineRatio, 1)
	if m.IsTestFile {
		score += 0.3
	}
	return clamp01(score)
}

func scoreCodeQuality(m FileMetrics) float64 {
	lineLen := 1.0
	if m.MaxLineLength > idealMaxLineLength {
		lineLen = float64(idealMaxLineLength) / float64(m.MaxLineLength)
	}
	complexity := 1.0
	if m.Complexity > idealComplexity {
		complexity = float64(idealComplexity) / float64(m.Complexity)
	}
	comments := 0.5
	if m.HasComments {
		comments = 1
	}
	return clamp01(0.4*lineLen + 0.4*complexity + 0.2*comments)
}

func scoreEfficiency(m FileMetrics) float64 {
	net := math.Abs(float64(m.NetChange))
	return clamp01(1 / (1 + net/100))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(vals)))
}
