package users

import "time"

// User is one account of the credential store. Its collection lives in
// <data root>/<Username>.
type User struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
