package quota

import "time"

// Clock supplies the current time to quota evaluation and the day-rollover
// decision. The meter takes it as an injection point so rollover tests can
// pin the calendar day.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock reports a fixed instant.
type TestClock struct {
	CurrentTime time.Time
}

func (t *TestClock) Now() time.Time {
	return t.CurrentTime
}
