package auth

import (
	"net/http"

	"github.com/markbates/goth"
)

// Authenticator describes an object that can run user authentication.
type Authenticator interface {
	BeginAuth(w http.ResponseWriter, r *http.Request)
	CompleteUserAuth(w http.ResponseWriter, r *http.Request) (goth.User, error)
}
