package domain

// Plan is an immutable processing tier. Lane is the priority class derived
// from the plan (0 is served first), TargetMultiplier the expected processing
// minutes per input minute, CreditMultiplier the billing factor.
type Plan struct {
	ID               string  `json:"id" db:"id"`
	Lane             int     `json:"lane" db:"lane"`
	MaxInputMinutes  int     `json:"max_input_minutes" db:"max_input_minutes"`
	TargetMultiplier float64 `json:"target_multiplier" db:"target_multiplier"`
	CreditMultiplier float64 `json:"credit_multiplier" db:"credit_multiplier"`
}

// DefaultPlans is the built-in tier catalog, also seeded by migration.
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "express", Lane: 0, MaxInputMinutes: 30, TargetMultiplier: 0.80, CreditMultiplier: 2.0},
		{ID: "priority", Lane: 1, MaxInputMinutes: 60, TargetMultiplier: 1.00, CreditMultiplier: 1.5},
		{ID: "standard", Lane: 2, MaxInputMinutes: 120, TargetMultiplier: 1.20, CreditMultiplier: 1.0},
	}
}

// LaneLabel maps a lane number to its display name (P0..P2).
func LaneLabel(lane int) string {
	switch lane {
	case 0:
		return "P0"
	case 1:
		return "P1"
	default:
		return "P2"
	}
}
