package consolidate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hive/pkg/vcs"
)

// diffFor builds a single-file unified diff touching base lines
// [start, start+oldLines) and adding the given lines.
func diffFor(path string, start, oldLines int, added ...string) string {
	out := fmt.Sprintf("diff --git a/%s b/%s\nindex 1111111..2222222 100644\n--- a/%s\n+++ b/%s\n",
		path, path, path, path)
	out += fmt.Sprintf("@@ -%d,%d +%d,%d @@\n", start, oldLines, start, len(added))
	for _, line := range added {
		out += "+" + line + "\n"
	}
	return out
}

func twoParticipants(t *testing.T, fake *vcs.Fake, diffA, diffB string) []Participant {
	t.Helper()
	fake.SetDiff("/wt/a", diffA)
	fake.SetDiff("/wt/b", diffB)
	return []Participant{
		{WorkerID: "worker-a", Worktree: "/wt/a", Branch: "agent/a"},
		{WorkerID: "worker-b", Worktree: "/wt/b", Branch: "agent/b"},
	}
}

func TestAnalyzeScoresSingleParticipant(t *testing.T) {
	t.Parallel()

	fake := vcs.NewFake()
	fake.SetDiff("/wt/a", diffFor("pkg/server.go", 10, 2,
		"// rebalance the pool before accepting",
		"if pool.len() > max { rebalance(pool) }",
	))
	participants := []Participant{{WorkerID: "worker-a", Worktree: "/wt/a", Branch: "agent/a"}}

	preview, err := analyze(context.Background(), fake, "main", participants)
	require.NoError(t, err)

	require.Len(t, preview.Files, 1)
	f := preview.Files[0]
	assert.Equal(t, "pkg/server.go", f.Path)
	assert.Equal(t, 1.0, f.Score.Consistency, "single participant defaults to 1")
	assert.True(t, f.Metrics.HasComments)
	assert.Equal(t, 1, f.Metrics.Complexity)
	assert.InDelta(t, 1.0, f.Score.CodeQuality, 0.01)
	assert.GreaterOrEqual(t, f.Score.Total, 0.0)
	assert.LessOrEqual(t, f.Score.Total, 1.0)
	assert.Equal(t, StrategyAuto, preview.Recommended)
	assert.Equal(t, 1, preview.AutoMergeable)
	assert.Zero(t, preview.Conflicting)
}

func TestAnalyzeTestCoverageProxy(t *testing.T) {
	t.Parallel()

	fake := vcs.NewFake()
	fake.SetDiff("/wt/a", diffFor("pkg/thing_test.go", 1, 0,
		"func TestThing(t *testing.T) {", "}",
	))
	participants := []Participant{{WorkerID: "worker-a", Worktree: "/wt/a", Branch: "agent/a"}}

	preview, err := analyze(context.Background(), fake, "main", participants)
	require.NoError(t, err)

	f := preview.Files[0]
	assert.True(t, f.Metrics.IsTestFile)
	assert.Equal(t, 1.0, f.Score.TestCoverage, "test file with all-test changes maxes out")
}

func TestSameLineConflictPairs(t *testing.T) {
	t.Parallel()

	// Five workers modify the same base range: C(5,2) = 10 pairwise
	// same-line conflicts.
	fake := vcs.NewFake()
	var participants []Participant
	for i := 0; i < 5; i++ {
		wt := fmt.Sprintf("/wt/%d", i)
		fake.SetDiff(wt, diffFor("shared.go", 5, 3, fmt.Sprintf("value := %d", i)))
		participants = append(participants, Participant{
			WorkerID: fmt.Sprintf("worker-%d", i), Worktree: wt, Branch: fmt.Sprintf("agent/%d", i),
		})
	}

	preview, err := analyze(context.Background(), fake, "master", participants)
	require.NoError(t, err)

	assert.Len(t, preview.Conflicts, 10)
	for _, cf := range preview.Conflicts {
		assert.Equal(t, ConflictSameLine, cf.Type)
		assert.Equal(t, 5, cf.OverlapStart)
		assert.Equal(t, 7, cf.OverlapEnd)
	}
	assert.Equal(t, 1, preview.Conflicting)
	assert.Equal(t, 0, preview.AutoMergeable)
	assert.Equal(t, StrategyVoting, preview.Recommended)
}

func TestDeleteModifyConflict(t *testing.T) {
	t.Parallel()

	deleteDiff := "diff --git a/old.go b/old.go\ndeleted file mode 100644\nindex 1111111..0000000\n--- a/old.go\n+++ /dev/null\n@@ -1,3 +0,0 @@\n-package old\n-\n-func f() {}\n"
	fake := vcs.NewFake()
	participants := twoParticipants(t, fake, deleteDiff, diffFor("old.go", 2, 1, "func f(x int) {}"))

	preview, err := analyze(context.Background(), fake, "main", participants)
	require.NoError(t, err)

	require.Len(t, preview.Conflicts, 1)
	assert.Equal(t, ConflictDeleteModify, preview.Conflicts[0].Type)
	assert.Equal(t, StrategyManual, preview.Recommended)
}

func TestImportConflict(t *testing.T) {
	t.Parallel()

	fake := vcs.NewFake()
	participants := twoParticipants(t, fake,
		diffFor("app.ts", 1, 1, `import logger from "./log"`),
		diffFor("app.ts", 20, 1, `import logger from "winston"`),
	)

	preview, err := analyze(context.Background(), fake, "main", participants)
	require.NoError(t, err)

	require.NotEmpty(t, preview.Conflicts)
	assert.Equal(t, ConflictImport, preview.Conflicts[0].Type)
	assert.Equal(t, "logger", preview.Conflicts[0].Detail)
	assert.Equal(t, StrategyUnion, preview.Recommended)
}

func TestExportConflict(t *testing.T) {
	t.Parallel()

	fake := vcs.NewFake()
	participants := twoParticipants(t, fake,
		diffFor("index.ts", 1, 1, "export const handler = makeHandler(a)"),
		diffFor("index.ts", 30, 1, "export const handler = makeHandler(b)"),
	)

	preview, err := analyze(context.Background(), fake, "main", participants)
	require.NoError(t, err)

	found := false
	for _, cf := range preview.Conflicts {
		if cf.Type == ConflictExport && cf.Detail == "handler" {
			found = true
		}
	}
	assert.True(t, found, "conflicts: %+v", preview.Conflicts)
}

func TestStructuralConflict(t *testing.T) {
	t.Parallel()

	fake := vcs.NewFake()
	participants := twoParticipants(t, fake,
		diffFor("svc.go", 8, 1, "func Handle(ctx context.Context, req Request) error {"),
		diffFor("svc.go", 40, 1, "func Handle(ctx context.Context, req Request, opts ...Option) error {"),
	)

	preview, err := analyze(context.Background(), fake, "main", participants)
	require.NoError(t, err)

	found := false
	for _, cf := range preview.Conflicts {
		if cf.Type == ConflictStructural && cf.Detail == "Handle" {
			found = true
		}
	}
	assert.True(t, found, "conflicts: %+v", preview.Conflicts)
}

func TestIdenticalAddedStatementsDoNotConflict(t *testing.T) {
	t.Parallel()

	fake := vcs.NewFake()
	participants := twoParticipants(t, fake,
		diffFor("m.ts", 1, 1, `import util from "util"`),
		diffFor("m.ts", 50, 1, `import util from "util"`),
	)

	preview, err := analyze(context.Background(), fake, "main", participants)
	require.NoError(t, err)

	for _, cf := range preview.Conflicts {
		assert.NotEqual(t, ConflictImport, cf.Type, "identical imports must not conflict")
	}
}

func TestRecommendStrategyRules(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StrategyAuto, recommendStrategy(nil))
	assert.Equal(t, StrategyManual, recommendStrategy([]ConflictRecord{
		{Type: ConflictSameLine}, {Type: ConflictDeleteModify},
	}))
	assert.Equal(t, StrategyUnion, recommendStrategy([]ConflictRecord{
		{Type: ConflictImport}, {Type: ConflictExport},
	}))
	assert.Equal(t, StrategyVoting, recommendStrategy([]ConflictRecord{
		{Type: ConflictSameLine}, {Type: ConflictSameLine}, {Type: ConflictImport},
	}))
}
