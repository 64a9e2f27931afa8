package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"

	"main/internal/auth"
	"main/internal/database"
)

// UserKey is the gin context key the authenticated user is stored under.
const UserKey = "user"

// Auth is a middleware to protect routes that require authentication. It
// resolves the session to a user row and stashes it in the context; billing
// token validity is deliberately not checked here, an expired billing link
// must not lock a user out of their own settings.
func Auth(store sessions.Store, users database.UserStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := auth.GetSession(store, c.Request)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		userID, ok := session.Values["user_id"].(string)
		if !ok || userID == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		u, err := users.FindUserByID(c.Request.Context(), userID)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if u == nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		c.Set(UserKey, u)
		c.Next()
	}
}
