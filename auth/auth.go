package auth

import (
	"net/http"

	"minichat/store"
)

type Client interface {
	// Auth authenticates the current user, returns uid.
	Auth(r *http.Request) (store.UserID, error)
}
