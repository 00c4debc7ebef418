package api

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Skip reasons reported in ActionResult.Reason
const (
	ReasonExcluded      = "excluded"
	ReasonNotAllowed    = "not allowed"
	ReasonAlwaysRunning = "always running"
	ReasonCooldown      = "cooldown"
	ReasonNoData        = "no data"
	ReasonDeadZone      = "within dead zone"
	ReasonAlreadyPlaced = "already placed"
	ReasonNotPlaced     = "not placed"
	ReasonInvalidData   = "invalid data"
)

// Reasons attached to actions that were applied
const (
	ReasonAboveThreshold = "traffic above scale-up threshold"
	ReasonBelowThreshold = "traffic below scale-down threshold"
	ReasonForcedRunning  = "always running"
)

// CooldownReason formats the cooldown skip reason with the whole seconds left, rounded up
func CooldownReason(remaining time.Duration) string {
	secs := int64(math.Ceil(remaining.Seconds()))
	return fmt.Sprintf("%s (%ds remaining)", ReasonCooldown, secs)
}

// ReasonKind strips the detail from a reason, e.g. "cooldown (42s remaining)" becomes "cooldown"
func ReasonKind(reason string) string {
	if i := strings.Index(reason, " ("); i > 0 {
		return reason[:i]
	}
	return reason
}
