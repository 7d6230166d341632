package profile

// Profile is a user's health information. Every goal is optional; nil means
// the user never set it.
type Profile struct {
	Allergies    []string `json:"allergies"` // deduplicated, in first-seen order
	HealthIssues []string `json:"health_issues"`
	Goals        Goals    `json:"goals"`
}

// Goals are daily or body targets. Units follow the catalog's nutrient units.
type Goals struct {
	Weight   *float64 `json:"weight"`
	Calories *float64 `json:"calories"`
	Fat      *float64 `json:"fat"`
	Protein  *float64 `json:"protein"`
	Sodium   *float64 `json:"sodium"`
	Sugar    *float64 `json:"sugar"`
}

// Profile keys as stored per user. List keys hold JSON arrays of strings,
// goal keys hold decimal text.
const (
	KeyAllergies    = "allergies"
	KeyHealthIssues = "health_issues"
	KeyGoalWeight   = "goal_weight"
	KeyGoalCalories = "goal_calories"
	KeyGoalFat      = "goal_fat"
	KeyGoalProtein  = "goal_protein"
	KeyGoalSodium   = "goal_sodium"
	KeyGoalSugar    = "goal_sugar"
)

// Keys lists every recognised profile key.
var Keys = []string{
	KeyAllergies, KeyHealthIssues,
	KeyGoalWeight, KeyGoalCalories, KeyGoalFat, KeyGoalProtein, KeyGoalSodium, KeyGoalSugar,
}

func isListKey(key string) bool {
	return key == KeyAllergies || key == KeyHealthIssues
}

func isKnownKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

// goalField returns the Goals field stored under key, or nil.
func (g *Goals) goalField(key string) **float64 {
	switch key {
	case KeyGoalWeight:
		return &g.Weight
	case KeyGoalCalories:
		return &g.Calories
	case KeyGoalFat:
		return &g.Fat
	case KeyGoalProtein:
		return &g.Protein
	case KeyGoalSodium:
		return &g.Sodium
	case KeyGoalSugar:
		return &g.Sugar
	}
	return nil
}
