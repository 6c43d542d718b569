package vcs

import (
	"testing"
)

const sampleDiff = `diff --git a/server.go b/server.go
index 3f1a2b4..9c8d7e6 100644
--- a/server.go
+++ b/server.go
@@ -10,4 +10,5 @@ func main() {
 	srv := newServer()
-	srv.listen(":8080")
+	srv.listen(":9090")
+	srv.enableTLS()
 	srv.wait()
@@ -40,3 +41,3 @@ func shutdown() {
 	log.Print("bye")
-	os.Exit(1)
+	os.Exit(0)
 }
diff --git a/added.go b/added.go
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/added.go
@@ -0,0 +1,2 @@
+package main
+
diff --git a/gone.go b/gone.go
deleted file mode 100644
index e69de29..0000000
--- a/gone.go
+++ /dev/null
@@ -1,3 +0,0 @@
-package main
-
-func gone() {}
`

func TestParseDiff(t *testing.T) {
	t.Parallel()

	files := ParseDiff(sampleDiff)
	if len(files) != 3 {
		t.Fatalf("parsed %d files, want 3", len(files))
	}

	mod := files[0]
	if mod.Path != "server.go" || mod.Status != FileModified {
		t.Fatalf("file[0] = %+v", mod)
	}
	if len(mod.Hunks) != 2 {
		t.Fatalf("hunks = %d, want 2", len(mod.Hunks))
	}
	h := mod.Hunks[0]
	if h.OldStart != 10 || h.OldLines != 4 || h.NewStart != 10 || h.NewLines != 5 {
		t.Fatalf("hunk header = %+v", h)
	}
	if mod.Added != 3 || mod.Deleted != 2 {
		t.Fatalf("added/deleted = %d/%d, want 3/2", mod.Added, mod.Deleted)
	}

	added := files[1]
	if added.Path != "added.go" || added.Status != FileAdded {
		t.Fatalf("file[1] = %+v", added)
	}

	deleted := files[2]
	if deleted.Path != "gone.go" || deleted.Status != FileDeleted {
		t.Fatalf("file[2] = %+v", deleted)
	}
}

func TestParseDiffEmpty(t *testing.T) {
	t.Parallel()

	if files := ParseDiff(""); files != nil {
		t.Fatalf("empty diff = %v, want nil", files)
	}
}

func TestHunkOverlap(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		a, b       Hunk
		start, end int
		ok         bool
	}{
		{
			name:  "overlapping ranges",
			a:     Hunk{OldStart: 10, OldLines: 5},
			b:     Hunk{OldStart: 12, OldLines: 5},
			start: 12, end: 14, ok: true,
		},
		{
			name: "disjoint ranges",
			a:    Hunk{OldStart: 10, OldLines: 2},
			b:    Hunk{OldStart: 30, OldLines: 2},
			ok:   false,
		},
		{
			name:  "pure insertion treated as single line",
			a:     Hunk{OldStart: 10, OldLines: 0},
			b:     Hunk{OldStart: 10, OldLines: 3},
			start: 10, end: 10, ok: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			start, end, ok := tc.a.Overlap(tc.b)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && (start != tc.start || end != tc.end) {
				t.Fatalf("range = [%d,%d], want [%d,%d]", start, end, tc.start, tc.end)
			}
		})
	}
}

func TestAddedLines(t *testing.T) {
	t.Parallel()

	files := ParseDiff(sampleDiff)
	got := files[0].AddedLines()
	want := []string{"\tsrv.listen(\":9090\")", "\tsrv.enableTLS()", "\tos.Exit(0)"}
	if len(got) != len(want) {
		t.Fatalf("added lines = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("added[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParsePorcelain(t *testing.T) {
	t.Parallel()

	out := "worktree /repo\nHEAD 1111111111111111111111111111111111111111\nbranch refs/heads/main\n\n" +
		"worktree /repo/.hive/worktrees/w1\nHEAD 2222222222222222222222222222222222222222\nbranch refs/heads/agent/x-w1\n\n" +
		"worktree /repo/.hive/worktrees/w2\nHEAD 3333333333333333333333333333333333333333\ndetached\n"

	list := parsePorcelain(out)
	if len(list) != 3 {
		t.Fatalf("parsed %d worktrees, want 3", len(list))
	}
	if list[1].Branch != "agent/x-w1" {
		t.Fatalf("branch = %q", list[1].Branch)
	}
	if !list[2].Detached {
		t.Fatal("third worktree should be detached")
	}
}
