package runner

import "time"

// Policy is the adaptive polling schedule of the supervisor loop.
type Policy struct {
	ShortInterval        time.Duration
	SteadyInterval       time.Duration
	SuccessesBeforeWiden int
}

func DefaultPolicy() Policy {
	return Policy{
		ShortInterval:        5 * time.Second,
		SteadyInterval:       30 * time.Second,
		SuccessesBeforeWiden: 3,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.ShortInterval <= 0 {
		p.ShortInterval = d.ShortInterval
	}
	if p.SteadyInterval < p.ShortInterval {
		p.SteadyInterval = p.ShortInterval
	}
	if p.SuccessesBeforeWiden <= 0 {
		p.SuccessesBeforeWiden = d.SuccessesBeforeWiden
	}
	return p
}

// State is the supervisor's view of the connection.
type State struct {
	Running              bool          `json:"running"`
	CheckInterval        time.Duration `json:"checkInterval"`
	ConsecutiveSuccesses int           `json:"consecutiveSuccesses"`
	ConsecutiveErrors    int           `json:"consecutiveErrors"`
	LastConnected        bool          `json:"lastConnected"`
	LastTick             time.Time     `json:"lastTick,omitempty"`
}

// Initial is the state of a freshly started loop.
func (p Policy) Initial() State {
	p = p.normalized()
	return State{Running: true, CheckInterval: p.ShortInterval}
}

// NextInterval folds one clean tick into s. A tick that finds the link up on
// both sides counts as stable; enough stable ticks widen the interval. Any
// change, or a link that stays down, drops back to the short interval.
func (p Policy) NextInterval(s State, wasUp, isUp bool) State {
	p = p.normalized()
	s.ConsecutiveErrors = 0
	s.LastConnected = isUp

	if !wasUp || !isUp {
		s.ConsecutiveSuccesses = 0
		s.CheckInterval = p.ShortInterval
		return s
	}

	s.ConsecutiveSuccesses++
	if s.ConsecutiveSuccesses >= p.SuccessesBeforeWiden {
		s.CheckInterval = p.SteadyInterval
	} else {
		s.CheckInterval = p.ShortInterval
	}
	return s
}

// AfterError folds one failed tick into s.
func (p Policy) AfterError(s State) State {
	p = p.normalized()
	s.ConsecutiveErrors++
	s.ConsecutiveSuccesses = 0
	s.CheckInterval = p.ShortInterval
	return s
}
