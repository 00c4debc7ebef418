package placement

import "time"

// CooldownGate enforces a minimum interval between two transitions of the same region
type CooldownGate struct {
	Window time.Duration
}

// Permit reports whether a transition may happen at now given the region's last
// transition time. When it may not, remaining is the time left in the window.
// A nil last transition always permits.
func (g CooldownGate) Permit(now time.Time, last *time.Time) (bool, time.Duration) {
	if last == nil || g.Window <= 0 {
		return true, 0
	}

	// Both sides in UTC so stored and wall-clock times compare consistently
	elapsed := now.UTC().Sub(last.UTC())
	if elapsed >= g.Window {
		return true, 0
	}
	return false, g.Window - elapsed
}
