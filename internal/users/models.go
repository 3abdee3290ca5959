package users

// User is an account of the reference backend.
//
// Invariants:
// - Username is unique.
// - PasswordHash is a bcrypt hash; plain passwords never leave Service.
// - Groups holds role names (VIEWER, ANALISTA, ADMIN).
type User struct {
	ID           int64    `json:"id" db:"id"`
	Username     string   `json:"username" db:"username"`
	Email        string   `json:"email" db:"email"`
	FirstName    string   `json:"first_name" db:"first_name"`
	LastName     string   `json:"last_name" db:"last_name"`
	PasswordHash string   `json:"-" db:"password_hash"`
	IsStaff      bool     `json:"is_staff" db:"is_staff"`
	IsSuperuser  bool     `json:"is_superuser" db:"is_superuser"`
	IsActive     bool     `json:"is_active" db:"is_active"`
	Groups       []string `json:"groups"`
}
