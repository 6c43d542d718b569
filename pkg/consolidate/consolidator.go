package consolidate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hive/pkg/eventbus"
	"hive/pkg/registry"
	"hive/pkg/vcs"
)

// Consolidator orchestrates the analyze → resolve → export flow and owns
// all Consolidation records.
type Consolidator struct {
	store  *Store
	git    vcs.Adapter
	reg    *registry.Registry
	bus    *eventbus.Bus
	logger *zap.Logger
}

// New creates a Consolidator.
func New(store *Store, git vcs.Adapter, reg *registry.Registry, bus *eventbus.Bus, logger *zap.Logger) *Consolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{store: store, git: git, reg: reg, bus: bus, logger: logger}
}

func (c *Consolidator) publish(topic string, data map[string]any) {
	if c.bus != nil {
		c.bus.Publish(topic, data)
	}
}

// Create registers a new pending consolidation over the given workers.
// Participants are resolved through the registry so the record carries
// their worktree paths and branches. Supplying an existing id returns the
// existing record unchanged (idempotent create).
func (c *Consolidator) Create(id, project, base string, workerIDs []string, strategy string) (Consolidation, error) {
	if project == "" || base == "" {
		return Consolidation{}, fmt.Errorf("project and base revision required")
	}
	if len(workerIDs) == 0 {
		return Consolidation{}, fmt.Errorf("at least one participant required")
	}
	if id != "" {
		if existing, err := c.store.Get(id); err == nil {
			return existing, nil
		}
	} else {
		id = uuid.NewString()
	}

	participants := make([]Participant, 0, len(workerIDs))
	for _, wid := range workerIDs {
		w, err := c.reg.Get(wid)
		if err != nil {
			return Consolidation{}, fmt.Errorf("participant %s: %w", wid, err)
		}
		participants = append(participants, Participant{
			WorkerID: w.ID,
			Worktree: w.WorktreePath,
			Branch:   w.Branch,
		})
	}

	rec := Consolidation{
		ID:           id,
		Project:      project,
		BaseRevision: base,
		Participants: participants,
		Strategy:     strategy,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	c.store.Put(rec)
	return rec, nil
}

// Analyze runs the diff analysis for a consolidation and stores the
// preview. Conflicts found here are preview state, not an error.
func (c *Consolidator) Analyze(ctx context.Context, id string) (Consolidation, error) {
	rec, err := c.store.Get(id)
	if err != nil {
		return Consolidation{}, err
	}
	if err := rec.advance(StatusAnalyzing); err != nil {
		return Consolidation{}, err
	}
	c.store.Put(rec)
	c.publish("consolidation:analyzing", map[string]any{
		"id": id, "participants": len(rec.Participants),
	})

	preview, err := analyze(ctx, c.git, rec.BaseRevision, rec.Participants)
	if err != nil {
		c.publish("consolidation:failed", map[string]any{"id": id, "error": err.Error()})
		return Consolidation{}, fmt.Errorf("analyze consolidation %s: %w", id, err)
	}

	rec.Preview = preview
	rec.AnalyzedAt = time.Now().UTC()
	if rec.Strategy == "" {
		rec.Strategy = preview.Recommended
	}
	if err := rec.advance(StatusAnalyzed); err != nil {
		return Consolidation{}, err
	}
	c.store.Put(rec)
	c.publish("consolidation:analyzed", map[string]any{
		"id":          id,
		"total_files": preview.TotalFiles,
		"conflicts":   preview.Conflicting,
		"recommended": preview.Recommended,
	})
	return rec, nil
}

// Resolve validates the per-path resolutions against the preview and
// produces the merge plan. The consolidation becomes ready.
func (c *Consolidator) Resolve(id string, resolutions []Resolution) (Consolidation, error) {
	rec, err := c.store.Get(id)
	if err != nil {
		return Consolidation{}, err
	}
	if rec.Preview == nil {
		return Consolidation{}, fmt.Errorf("consolidation %s has no preview; analyze first", id)
	}

	plan, err := buildPlan(rec, resolutions)
	if err != nil {
		return Consolidation{}, err
	}

	rec.Plan = plan
	if err := rec.advance(StatusReady); err != nil {
		return Consolidation{}, err
	}
	c.store.Put(rec)
	c.publish("consolidation:ready", map[string]any{
		"id": id, "files": len(plan.Files),
	})
	return rec, nil
}

// buildPlan turns resolutions into the ordered merge plan. Every resolved
// path must appear in the preview; unresolved non-conflicting paths default
// to their single source worker.
func buildPlan(rec Consolidation, resolutions []Resolution) (*MergePlan, error) {
	// Index preview state.
	workersByPath := make(map[string][]string)
	scoreByPathWorker := make(map[string]map[string]float64)
	for _, f := range rec.Preview.Files {
		workersByPath[f.Path] = append(workersByPath[f.Path], f.WorkerID)
		if scoreByPathWorker[f.Path] == nil {
			scoreByPathWorker[f.Path] = make(map[string]float64)
		}
		scoreByPathWorker[f.Path][f.WorkerID] = f.Score.Total
	}

	resolvedPaths := make(map[string]bool, len(resolutions))
	var files []PlanFile
	for _, res := range resolutions {
		workers, ok := workersByPath[res.Path]
		if !ok {
			return nil, fmt.Errorf("resolution for unknown path %s", res.Path)
		}
		if resolvedPaths[res.Path] {
			return nil, fmt.Errorf("duplicate resolution for path %s", res.Path)
		}
		resolvedPaths[res.Path] = true

		switch res.Action {
		case ActionReject:
			// Excluded from the merge.
		case ActionManual:
			files = append(files, PlanFile{Path: res.Path, Manual: true, Content: res.Content})
		case ActionMerge:
			src := res.WorkerID
			if src == "" {
				src = bestScorer(workers, scoreByPathWorker[res.Path])
			} else if _, touched := scoreByPathWorker[res.Path][src]; !touched {
				return nil, fmt.Errorf("worker %s did not touch %s", src, res.Path)
			}
			files = append(files, PlanFile{Path: res.Path, SourceWorker: src})
		case ActionKeepOurs:
			files = append(files, PlanFile{Path: res.Path, SourceWorker: firstParticipantFor(rec, workers)})
		case ActionKeepTheirs:
			files = append(files, PlanFile{Path: res.Path, SourceWorker: lastParticipantFor(rec, workers)})
		case ActionVoting:
			files = append(files, PlanFile{Path: res.Path, SourceWorker: bestScorer(workers, scoreByPathWorker[res.Path])})
		case ActionUnion:
			primary := bestScorer(workers, scoreByPathWorker[res.Path])
			other := ""
			for _, w := range workers {
				if w != primary {
					other = w
					break
				}
			}
			files = append(files, PlanFile{Path: res.Path, SourceWorker: primary, UnionWith: other})
		default:
			return nil, fmt.Errorf("unknown resolution action %q for %s", res.Action, res.Path)
		}
	}

	// Non-conflicting, unresolved paths merge automatically from their sole
	// source.
	conflicting := make(map[string]bool)
	for _, cf := range rec.Preview.Conflicts {
		conflicting[cf.Path] = true
	}
	for path, workers := range workersByPath {
		if resolvedPaths[path] || conflicting[path] {
			continue
		}
		files = append(files, PlanFile{Path: path, SourceWorker: workers[0]})
	}
	for path := range conflicting {
		if !resolvedPaths[path] {
			return nil, fmt.Errorf("conflicting path %s has no resolution", path)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return &MergePlan{Files: files}, nil
}

// bestScorer returns the worker with the highest quality score for a path,
// ties broken by the smallest worker id.
func bestScorer(workers []string, scores map[string]float64) string {
	sorted := append([]string(nil), workers...)
	sort.Strings(sorted)
	best := ""
	bestScore := -1.0
	for _, w := range sorted {
		if s := scores[w]; s > bestScore {
			best = w
			bestScore = s
		}
	}
	return best
}

// firstParticipantFor returns the first consolidation participant among the
// workers that touched the path: "ours" is participant order, not score.
func firstParticipantFor(rec Consolidation, workers []string) string {
	touched := make(map[string]bool, len(workers))
	for _, w := range workers {
		touched[w] = true
	}
	for _, p := range rec.Participants {
		if touched[p.WorkerID] {
			return p.WorkerID
		}
	}
	return workers[0]
}

func lastParticipantFor(rec Consolidation, workers []string) string {
	touched := make(map[string]bool, len(workers))
	for _, w := range workers {
		touched[w] = true
	}
	for i := len(rec.Participants) - 1; i >= 0; i-- {
		if touched[rec.Participants[i].WorkerID] {
			return rec.Participants[i].WorkerID
		}
	}
	return workers[len(workers)-1]
}

// Get returns one consolidation.
func (c *Consolidator) Get(id string) (Consolidation, error) {
	return c.store.Get(id)
}

// List returns all consolidations.
func (c *Consolidator) List() []Consolidation {
	return c.store.List()
}

// Delete removes a consolidation record.
func (c *Consolidator) Delete(id string) error {
	return c.store.Delete(id)
}
