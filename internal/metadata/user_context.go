package metadata

// UserContext represents the authenticated caller of an action.
type UserContext struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
	// Document is the caller's stored document, without hidden fields.
	Document map[string]any `json:"document,omitempty"`
}

// HasRole checks whether the user has a specific role.
func (u *UserContext) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the user has the admin role.
func (u *UserContext) IsAdmin() bool {
	return u.HasRole("admin")
}
