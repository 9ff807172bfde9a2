package users

import "github.com/suPer8Hu/healthsphere/internal/models"

// Profile is the demographic subset sent to the assistant when the client
// supplies no user_profile of its own. Unset fields are omitted.
func Profile(u *models.User) map[string]any {
	p := map[string]any{}
	if u == nil {
		return p
	}
	if u.Name != "" {
		p["name"] = u.Name
	}
	if u.Age != nil {
		p["age"] = *u.Age
	}
	if u.Gender != "" {
		p["gender"] = u.Gender
	}
	if u.HeightCm != nil {
		p["height"] = *u.HeightCm
	}
	if u.WeightKg != nil {
		p["weight"] = *u.WeightKg
	}
	if u.Conditions != "" {
		p["conditions"] = u.Conditions
	}
	return p
}
