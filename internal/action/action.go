package action

type Action int

const (
	Undecided Action = iota // 0: no check has ruled yet
	Accept                  // 1: hand to the store or ledger
	Drop                    // 2: discard silently
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Drop:
		return "drop"
	default:
		return "undecided"
	}
}

// Decision saves the result of the inbound checks and why a line was dropped.
type Decision struct {
	result Action
	reason string
}

func NewDecision() *Decision {
	return &Decision{result: Undecided}
}

func (d *Decision) Get() Action {
	return d.result
}

func (d *Decision) Set(new Action) {
	d.result = new
}

// Reject marks the decision as Drop. The first reason recorded is kept.
func (d *Decision) Reject(reason string) {
	d.result = Drop
	if d.reason == "" {
		d.reason = reason
	}
}

func (d *Decision) Reason() string {
	return d.reason
}

// Dropped reports whether any check rejected the input.
func (d *Decision) Dropped() bool {
	return d.result == Drop
}
