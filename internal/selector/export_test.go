package selector

import "time"

// SetClockForTest pins the freshness clock.
func SetClockForTest(s *Selector, now func() time.Time) {
	s.now = now
}
