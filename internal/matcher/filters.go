package matcher

import (
	"strings"

	"github.com/example/ridepool/internal/models"
)

// Filter reasons reported by Compatible.
const (
	RejectGender        = "gender_preference"
	RejectAccessibility = "accessibility"
	RejectSafety        = "safety"
)

// Compatible checks a joining rider against the pooled ride's preferences.
// The ride's gender preference must admit the rider, the ride must offer
// every accessibility need of the rider, and the rider must accept every
// safety option the ride requires. Comparisons ignore case and the
// "only" suffix used by clients ("Female only").
func Compatible(r *models.Ride, p models.RiderProfile) (bool, string) {
	if pref := normalizeOption(r.GenderPreference); pref != "" && pref != "any" {
		if normalizeOption(p.Gender) != pref {
			return false, RejectGender
		}
	}
	if !subset(p.AccessibilityNeeds, r.AccessibilityOptions) {
		return false, RejectAccessibility
	}
	if !subset(r.SafetyOptions, p.SafetyOptions) {
		return false, RejectSafety
	}
	return true, ""
}

func normalizeOption(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.ReplaceAll(v, "_", " ")
	v = strings.TrimSpace(strings.TrimSuffix(v, " only"))
	return strings.Join(strings.Fields(v), " ")
}

// subset reports whether every option in want appears in have.
func subset(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[normalizeOption(h)] = struct{}{}
	}
	for _, w := range want {
		if n := normalizeOption(w); n != "" {
			if _, ok := set[n]; !ok {
				return false
			}
		}
	}
	return true
}
