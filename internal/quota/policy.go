package quota

const (
	// DailyFreeMinutes is the free practice allotment per calendar day.
	DailyFreeMinutes = 10

	// DailyFreeSeconds is the same allotment in seconds.
	DailyFreeSeconds = DailyFreeMinutes * 60
)

// Policy evaluates the daily free-usage quota. It is pure: no I/O, no
// state beyond the configured allotment.
type Policy struct {
	dailyFreeSeconds int
}

// NewPolicy creates a policy with the given daily allotment in minutes.
// A non-positive allotment falls back to the default.
func NewPolicy(dailyFreeMinutes int) *Policy {
	if dailyFreeMinutes <= 0 {
		dailyFreeMinutes = DailyFreeMinutes
	}
	return &Policy{dailyFreeSeconds: dailyFreeMinutes * 60}
}

// DailySeconds returns the allotment in seconds.
func (p *Policy) DailySeconds() int {
	return p.dailyFreeSeconds
}

// DailyMinutes returns the allotment in minutes.
func (p *Policy) DailyMinutes() int {
	return p.dailyFreeSeconds / 60
}

// Exceeded reports whether elapsedSeconds has consumed the daily allotment.
func (p *Policy) Exceeded(elapsedSeconds int) bool {
	return elapsedSeconds >= p.dailyFreeSeconds
}

// Remaining returns the whole free minutes left given minutes already used.
// Never negative.
func (p *Policy) Remaining(minutesUsed int) int {
	remaining := p.dailyFreeSeconds/60 - minutesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
