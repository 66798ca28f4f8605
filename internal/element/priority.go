package element

var tagWeights = map[string]float64{
	"button":   10,
	"input":    9,
	"a":        8,
	"select":   8,
	"textarea": 8,
	"summary":  6,
	"option":   4,
	"form":     3,
	"nav":      3,
	"img":      2,
	"video":    3,
}

const (
	defaultTagWeight = 1
	visibleBonus     = 5
	interactiveBonus = 5
	labelBonus       = 2
	viewportBonus    = 3
	disabledPenalty  = 4
)

// Score ranks a snapshot for result ordering: tag weight, visibility,
// interactability, an accessible label, and a bonus for sitting above
// viewportHeight.
func Score(s *Snapshot, viewportHeight float64) float64 {
	score, ok := tagWeights[s.Tag]
	if !ok {
		score = defaultTagWeight
		if in(widgetRoles, s.Role) {
			score = 6
		}
	}
	if s.Visible {
		score += visibleBonus
	}
	if s.Interactable {
		score += interactiveBonus
	}
	if s.Text != "" || s.Attributes.Get("aria-label") != "" {
		score += labelBonus
	}
	if g := s.Geometry; g.Area() > 0 && g.Y >= 0 && g.Y < viewportHeight {
		score += viewportBonus
	}
	if Disabled(s.Attributes) {
		score -= disabledPenalty
	}
	return score
}
