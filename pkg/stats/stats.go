// Package stats turns absolute counters sampled at irregular intervals into
// per-second rates.
package stats

// Epsilon is the smallest elapsed time, in seconds, used as a rate divisor.
const Epsilon = 0.001

// DefaultSmoothing is the EWMA weight given to the newest rate.
const DefaultSmoothing = 0.5

// Outcome describes what an Update did with the sample
type Outcome int

const (
	// OutcomeFirst means the sample became the initial baseline
	OutcomeFirst Outcome = iota
	// OutcomeRate means a rate was computed against the previous sample
	OutcomeRate
	// OutcomeReset means the counter or the clock went backwards and the
	// baseline restarted
	OutcomeReset
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFirst:
		return "first"
	case OutcomeRate:
		return "rate"
	case OutcomeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Series accumulates one monotonically increasing counter.
// The zero value is ready to use.
type Series struct {
	// Smoothing overrides DefaultSmoothing when in (0, 1]
	Smoothing float64

	seen     bool
	last     float64
	lastTime int64
	delta    float64
	rate     float64
	smoothed float64
	hasRate  bool
}

// Update records an absolute value observed at tsMillis.
func (s *Series) Update(tsMillis int64, value float64) Outcome {
	if !s.seen {
		s.baseline(tsMillis, value)
		return OutcomeFirst
	}
	// a counter going backwards or a clock stepping back restarts the baseline
	if value < s.last || tsMillis < s.lastTime {
		s.baseline(tsMillis, value)
		return OutcomeReset
	}

	elapsed := float64(tsMillis-s.lastTime) / 1000
	if elapsed < Epsilon {
		elapsed = Epsilon
	}
	s.delta = value - s.last
	s.rate = s.delta / elapsed
	if s.hasRate {
		w := s.weight()
		s.smoothed = w*s.rate + (1-w)*s.smoothed
	} else {
		s.smoothed = s.rate
		s.hasRate = true
	}
	s.last = value
	s.lastTime = tsMillis
	return OutcomeRate
}

func (s *Series) baseline(tsMillis int64, value float64) {
	s.seen = true
	s.last = value
	s.lastTime = tsMillis
	s.delta = 0
	s.rate = 0
}

func (s *Series) weight() float64 {
	if s.Smoothing > 0 && s.Smoothing <= 1 {
		return s.Smoothing
	}
	return DefaultSmoothing
}

// Rate returns the per-second rate between the last two accepted samples
func (s *Series) Rate() float64 { return s.rate }

// Smoothed returns the exponentially weighted rate
func (s *Series) Smoothed() float64 { return s.smoothed }

// Delta returns the raw difference between the last two accepted samples
func (s *Series) Delta() float64 { return s.delta }

// Last returns the most recent absolute value
func (s *Series) Last() float64 { return s.last }

// Initialized reports whether at least one sample was recorded
func (s *Series) Initialized() bool { return s.seen }

// HasRate reports whether a rate was computed from two samples
func (s *Series) HasRate() bool { return s.hasRate }

// Reset forgets all samples
func (s *Series) Reset() { *s = Series{Smoothing: s.Smoothing} }
