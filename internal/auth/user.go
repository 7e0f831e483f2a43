package auth

// Role represents operator access level
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReadOnly Role = "readonly"
)

// User represents an authenticated operator
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// IsAdmin checks if user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Anonymous is the user attached to requests when authentication is disabled
var Anonymous = User{Username: "anonymous", Role: RoleAdmin}
