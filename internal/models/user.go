package models

type Doctor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// AuthSession is the payload returned by the backend login and register endpoints.
type AuthSession struct {
	Token string `json:"token"`
	User  Doctor `json:"user"`
}
