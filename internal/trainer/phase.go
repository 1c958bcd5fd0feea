package trainer

// Phase is the trainer's lifecycle state. Phases advance strictly in order:
// Idle, then Train and Eval alternating once per epoch, then Done.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTrain
	PhaseEval
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTrain:
		return "train"
	case PhaseEval:
		return "eval"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}
