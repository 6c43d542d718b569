package consolidate

import (
	"regexp"
	"sort"
	"strings"

	"hive/pkg/vcs"
)

// detectConflicts inspects every pair of participants that modified the
// same path and classifies the collisions between their hunks.
func detectConflicts(participants []Participant, diffs [][]vcs.FileDiff) []ConflictRecord {
	byWorker := make([]map[string]vcs.FileDiff, len(diffs))
	for i, files := range diffs {
		byWorker[i] = make(map[string]vcs.FileDiff, len(files))
		for _, f := range files {
			byWorker[i][f.Path] = f
		}
	}

	var conflicts []ConflictRecord
	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			for path, fa := range byWorker[i] {
				fb, ok := byWorker[j][path]
				if !ok {
					continue
				}
				conflicts = append(conflicts, classifyPair(path,
					participants[i].WorkerID, fa,
					participants[j].WorkerID, fb)...)
			}
		}
	}

	sort.Slice(conflicts, func(a, b int) bool {
		if conflicts[a].Path != conflicts[b].Path {
			return conflicts[a].Path < conflicts[b].Path
		}
		if conflicts[a].WorkerA != conflicts[b].WorkerA {
			return conflicts[a].WorkerA < conflicts[b].WorkerA
		}
		return conflicts[a].WorkerB < conflicts[b].WorkerB
	})
	return conflicts
}

// classifyPair produces the conflict records between two workers' versions
// of one path.
func classifyPair(path, workerA string, fa vcs.FileDiff, workerB string, fb vcs.FileDiff) []ConflictRecord {
	// Delete on one side, any change on the other, supersedes line-level
	// classification.
	if (fa.Status == vcs.FileDeleted) != (fb.Status == vcs.FileDeleted) {
		return []ConflictRecord{{
			Path: path, Type: ConflictDeleteModify,
			WorkerA: workerA, WorkerB: workerB,
			HunkA: firstHunk(fa), HunkB: firstHunk(fb),
		}}
	}

	var out []ConflictRecord

	// Same-line: overlapping base-revision ranges.
	for _, ha := range fa.Hunks {
		for _, hb := range fb.Hunks {
			if start, end, ok := ha.Overlap(hb); ok {
				out = append(out, ConflictRecord{
					Path: path, Type: ConflictSameLine,
					WorkerA: workerA, WorkerB: workerB,
					HunkA: ha, HunkB: hb,
					OverlapStart: start, OverlapEnd: end,
				})
			}
		}
	}

	// Import / export: both sides introduce distinct top-level statements
	// binding the same name.
	out = append(out, symbolConflicts(path, workerA, fa, workerB, fb,
		importName, ConflictImport)...)
	out = append(out, symbolConflicts(path, workerA, fa, workerB, fb,
		exportName, ConflictExport)...)

	// Structural: both sides changed the signature of the same declaration.
	out = append(out, signatureConflicts(path, workerA, fa, workerB, fb)...)

	return out
}

func firstHunk(f vcs.FileDiff) vcs.Hunk {
	if len(f.Hunks) > 0 {
		return f.Hunks[0]
	}
	return vcs.Hunk{}
}

// symbolConflicts flags pairs of added lines that bind the same symbol name
// through different statements.
func symbolConflicts(path, workerA string, fa vcs.FileDiff, workerB string, fb vcs.FileDiff,
	extract func(string) (string, bool), conflictType string,
) []ConflictRecord {
	namesA := symbolLines(fa, extract)
	namesB := symbolLines(fb, extract)

	var out []ConflictRecord
	names := make([]string, 0, len(namesA))
	for name := range namesA {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lineB, ok := namesB[name]
		if !ok {
			continue
		}
		lineA := namesA[name]
		if strings.TrimSpace(lineA) == strings.TrimSpace(lineB) {
			continue // identical statements merge cleanly
		}
		out = append(out, ConflictRecord{
			Path: path, Type: conflictType,
			WorkerA: workerA, WorkerB: workerB,
			HunkA: firstHunk(fa), HunkB: firstHunk(fb),
			Detail: name,
		})
	}
	return out
}

func symbolLines(f vcs.FileDiff, extract func(string) (string, bool)) map[string]string {
	out := make(map[string]string)
	for _, line := range f.AddedLines() {
		if name, ok := extract(line); ok {
			out[name] = line
		}
	}
	return out
}

var (
	// import X / import X from 'y' / import { X } from 'y' / import "x"
	importClause = regexp.MustCompile(`^\s*import\s+(?:\{\s*([\w$]+)[^}]*\}|([\w$]+)|"([^"]+)")`)
	// from x import X (Python)
	fromImport = regexp.MustCompile(`^\s*from\s+\S+\s+import\s+([\w$]+)`)
	// const X = require('y')
	requireClause = regexp.MustCompile(`^\s*(?:const|let|var)\s+([\w$]+)\s*=\s*require\(`)

	exportClause = regexp.MustCompile(`^\s*export\s+(?:default\s+)?(?:async\s+)?(?:function|class|const|let|var|interface|type|enum)\s+([\w$]+)`)
	exportBrace  = regexp.MustCompile(`^\s*export\s+\{\s*([\w$]+)`)

	declClause = regexp.MustCompile(`^\s*(?:export\s+)?(?:public\s+|private\s+|protected\s+|static\s+|async\s+)*(?:func|function|def|class|interface)\s+(?:\([^)]*\)\s*)?([\w$]+)\s*([(<(].*)?$`)
)

// importName extracts the bound name of an import-like statement.
func importName(line string) (string, bool) {
	if m := importClause.FindStringSubmatch(line); m != nil {
		for _, g := range m[1:] {
			if g != "" {
				return g, true
			}
		}
	}
	if m := fromImport.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	if m := requireClause.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	return "", false
}

// exportName extracts the exported name of an export statement.
func exportName(line string) (string, bool) {
	if m := exportClause.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	if m := exportBrace.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	return "", false
}

// signatureConflicts flags declarations changed by both sides with
// differing signatures.
func signatureConflicts(path, workerA string, fa vcs.FileDiff, workerB string, fb vcs.FileDiff) []ConflictRecord {
	declsA := declarationLines(fa)
	declsB := declarationLines(fb)

	names := make([]string, 0, len(declsA))
	for name := range declsA {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []ConflictRecord
	for _, name := range names {
		lineB, ok := declsB[name]
		if !ok {
			continue
		}
		lineA := declsA[name]
		if strings.TrimSpace(lineA) == strings.TrimSpace(lineB) {
			continue
		}
		out = append(out, ConflictRecord{
			Path: path, Type: ConflictStructural,
			WorkerA: workerA, WorkerB: workerB,
			HunkA: firstHunk(fa), HunkB: firstHunk(fb),
			Detail: name,
		})
	}
	return out
}

func declarationLines(f vcs.FileDiff) map[string]string {
	out := make(map[string]string)
	for _, line := range f.AddedLines() {
		if m := declClause.FindStringSubmatch(line); m != nil {
			out[m[1]] = line
		}
	}
	return out
}

// recommendStrategy derives the default strategy from the conflict mix: any
// delete-modify forces manual review, a pure import/export mix unions, a
// same-line majority votes, and a clean preview auto-merges.
func recommendStrategy(conflicts []ConflictRecord) string {
	if len(conflicts) == 0 {
		return StrategyAuto
	}
	counts := map[string]int{}
	for _, c := range conflicts {
		counts[c.Type]++
	}
	if counts[ConflictDeleteModify] > 0 {
		return StrategyManual
	}
	if counts[ConflictImport]+counts[ConflictExport] == len(conflicts) {
		return StrategyUnion
	}
	if counts[ConflictSameLine]*2 > len(conflicts) {
		return StrategyVoting
	}
	return StrategyManual
}
