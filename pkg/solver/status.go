package solver

// Status is the lifecycle state of a reconstruction solve.
//
//	Uninitialized -> Configured -> Running -> Converged | MaxIterReached | Failed
type Status int

const (
	Uninitialized Status = iota
	Configured
	Running
	Converged
	MaxIterReached
	Failed
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Configured:
		return "CONFIGURED"
	case Running:
		return "RUNNING"
	case Converged:
		return "CONVERGED"
	case MaxIterReached:
		return "MAX_ITER_REACHED"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Terminal reports whether s ends a solve.
func (s Status) Terminal() bool {
	return s == Converged || s == MaxIterReached || s == Failed
}
