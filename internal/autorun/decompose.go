package autorun

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/rowan/foreman/internal/team"
)

// Phases in execution order. Priority maps onto phase: critical work is
// foundation, high is core, everything else is polish.
var Phases = []string{"foundation", "core", "polish"}

func phaseFor(priority string) (string, int) {
	switch strings.ToLower(priority) {
	case "critical":
		return "foundation", 0
	case "high":
		return "core", 1
	default:
		return "polish", 2
	}
}

var reqIDPattern = regexp.MustCompile(`\bREQ-\d+\b`)

// Decompose turns spec requirements into tasks. Each requirement
// becomes one task; dependencies come from the requirement's explicit
// references plus textual mentions of other requirement ids in its
// description. Tasks are ordered by phase so foundation work lands
// first in any listing.
func Decompose(spec *team.Spec) []*team.Task {
	byReq := make(map[string]string, len(spec.Requirements)) // req id -> task id
	tasks := make([]*team.Task, 0, len(spec.Requirements))

	for _, req := range spec.Requirements {
		phase, order := phaseFor(req.Priority)
		task := &team.Task{
			ID:           uuid.NewString(),
			Title:        titleFor(req),
			Description:  req.Description,
			Requirements: []string{req.ID},
			Phase:        phase,
			PhaseOrder:   order,
		}
		byReq[req.ID] = task.ID
		tasks = append(tasks, task)
	}

	for i, req := range spec.Requirements {
		deps := make(map[string]bool)
		for _, ref := range req.References {
			deps[ref] = true
		}
		for _, mention := range reqIDPattern.FindAllString(req.Description, -1) {
			if mention != req.ID {
				deps[mention] = true
			}
		}
		for reqID := range deps {
			if taskID, ok := byReq[reqID]; ok && taskID != tasks[i].ID {
				tasks[i].DependsOn = append(tasks[i].DependsOn, taskID)
			}
		}
		sort.Strings(tasks[i].DependsOn)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].PhaseOrder < tasks[j].PhaseOrder
	})
	return tasks
}

// titleFor derives a short task title from the requirement.
func titleFor(req team.Requirement) string {
	desc := strings.TrimSpace(req.Description)
	if i := strings.IndexAny(desc, ".\n"); i > 0 {
		desc = desc[:i]
	}
	if len(desc) > 80 {
		desc = desc[:80]
	}
	if desc == "" {
		return req.ID
	}
	return desc
}

// ChooseStrategy picks flat for small or single-phase task sets and
// two-tier otherwise. A homogeneous set gains nothing from per-phase
// heads even when it is large.
func ChooseStrategy(tasks []*team.Task, flatLimit int) Strategy {
	if flatLimit <= 0 || len(tasks) <= flatLimit {
		return StrategyFlat
	}
	phases := make(map[string]bool)
	for _, task := range tasks {
		phases[task.Phase] = true
	}
	if len(phases) < 2 {
		return StrategyFlat
	}
	return StrategyTwoTier
}
