package storage

// DateLayout is the calendar-day format used for record dates and
// retention cutoffs. Lexicographic order matches chronological order.
const DateLayout = "2006-01-02"

// UsageRecord tracks how much free practice time an identity has consumed
// on a given calendar day.
//
// Date always reflects the day the record was last written. A record whose
// Date differs from today is stale and must be rolled over (MinutesUsed
// zeroed, Visits incremented) before use.
type UsageRecord struct {
	Date        string `json:"date"`
	MinutesUsed int    `json:"minutes_used"`
	Visits      int    `json:"visits"`
}
