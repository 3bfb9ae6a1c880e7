package types

// DependencyKind describes under what condition a dependency (a "line"
// between two stars) is satisfied.
type DependencyKind string

const (
	// DependencySuccessOnly is satisfied only when the from-task reaches
	// TaskCompleted.
	DependencySuccessOnly DependencyKind = "success_only"
	// DependencyUnconditional is satisfied as soon as the from-task reaches
	// any terminal state.
	DependencyUnconditional DependencyKind = "unconditional"
	// DependencyConditionWithKeyword is satisfied when the from-task
	// completes and its result carries the trigger keyword.
	DependencyConditionWithKeyword DependencyKind = "condition_with_keyword"
)

// Dependency is one directed edge ("line") between two tasks.
type Dependency struct {
	ID             string
	FromTaskID     string
	ToTaskID       string
	Kind           DependencyKind
	TriggerKeyword string
}

// SatisfiedBy reports whether this dependency is satisfied given the
// terminal status (and, for keyword edges, the result) of its from-task.
func (d *Dependency) SatisfiedBy(fromStatus TaskStatus, fromResult map[string]any) bool {
	if !fromStatus.IsTerminal() {
		return false
	}
	switch d.Kind {
	case DependencySuccessOnly:
		return fromStatus == TaskCompleted
	case DependencyUnconditional:
		return true
	case DependencyConditionWithKeyword:
		if fromStatus != TaskCompleted {
			return false
		}
		if d.TriggerKeyword == "" {
			return true
		}
		for _, v := range fromResult {
			if s, ok := v.(string); ok && s == d.TriggerKeyword {
				return true
			}
		}
		return false
	default:
		return false
	}
}
