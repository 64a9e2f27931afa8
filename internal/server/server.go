package server

import (
	"database/sql"

	"github.com/antonlindstrom/pgstore"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/markbates/goth"
	"github.com/markbates/goth/providers/twitch"

	"main/internal/auth"
	"main/internal/billing"
	"main/internal/config"
	"main/internal/database"
	"main/internal/handler"
	"main/internal/middleware"
	"main/internal/secret"
	"main/internal/token"
	"main/internal/usage"
)

type Server struct {
	*gin.Engine
	db    *sql.DB
	store *pgstore.PGStore
}

func New(cfg *config.Config, db *sql.DB) (*Server, error) {
	r := gin.Default()

	store, err := auth.NewStore(cfg.DatabaseURL, []byte(cfg.SessionSecret))
	if err != nil {
		return nil, err
	}

	goth.UseProviders(twitch.New(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchCallbackURL))

	codec, err := secret.New(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	users := database.NewUserStore(db)
	cache := usage.NewCache(database.NewUsageCacheStore(db))
	oauth := billing.NewOAuth(cfg.BillingClientID, cfg.BillingClientSecret,
		cfg.BillingAuthURL, cfg.BillingTokenURL, cfg.BillingCallbackURL)
	tokens := token.NewManager(users, codec, oauth)
	builder := billing.NewBuilder(billing.NewClient(cfg.BillingAPIURL))
	resolver := usage.NewResolver(cache, tokens, builder)

	h := handler.New(users, store, cfg, auth.NewGothicAuthenticator(),
		resolver, tokens, oauth, cache, codec)

	r.GET("/", h.Home)
	r.GET("/auth/:provider", h.SignInWithProvider)
	r.GET("/auth/:provider/callback", h.CallbackHandler)

	// Overlay pages poll the widget feed cross-origin.
	widget := r.Group("/widget")
	widget.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
	}))
	widget.GET("/:token", h.Widget)

	api := r.Group("/api")
	api.Use(middleware.Auth(store, users))
	{
		api.GET("/me", h.Me)
		api.PUT("/settings", h.UpdateSettings)
		api.GET("/billing/connect", h.ConnectBilling)
		api.GET("/billing/callback", h.BillingCallback)
		api.POST("/billing/disconnect", h.DisconnectBilling)
		api.POST("/widget/rotate", h.RotateWidgetToken)
		api.DELETE("/account", h.DeleteAccount)
	}

	return &Server{r, db, store}, nil
}
