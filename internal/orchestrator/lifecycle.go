package orchestrator

// Lifecycle is the session state. It only moves forward:
// Starting -> Monitoring -> ShuttingDown -> Closed, with ShuttingDown also
// reachable straight from Starting.
type Lifecycle int

const (
	LifecycleStarting Lifecycle = iota
	LifecycleMonitoring
	LifecycleShuttingDown
	LifecycleClosed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleStarting:
		return "starting"
	case LifecycleMonitoring:
		return "monitoring"
	case LifecycleShuttingDown:
		return "shutting_down"
	case LifecycleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var lifecycleEdges = map[Lifecycle][]Lifecycle{
	LifecycleStarting:     {LifecycleMonitoring, LifecycleShuttingDown},
	LifecycleMonitoring:   {LifecycleShuttingDown},
	LifecycleShuttingDown: {LifecycleClosed},
}

// canTransition reports whether the lifecycle may move from l to next.
func (l Lifecycle) canTransition(next Lifecycle) bool {
	for _, to := range lifecycleEdges[l] {
		if to == next {
			return true
		}
	}
	return false
}
