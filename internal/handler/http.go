package handler

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"main/internal/auth"
	"main/internal/billing"
	"main/internal/config"
	"main/internal/middleware"
	"main/internal/model"
	"main/internal/secret"
	"main/internal/token"
	"main/internal/usage"
)

// widgetFallbackDisplay is what the public widget shows whenever a report
// cannot be produced. The widget never sees an error body.
const widgetFallbackDisplay = "–/–"

const defaultWidgetTitle = "usage"

// UserStore is the slice of the database layer the handlers need.
type UserStore interface {
	FindUserByID(ctx context.Context, id string) (*model.User, error)
	FindUserByTwitchID(ctx context.Context, twitchID string) (*model.User, error)
	FindUserByWidgetDigest(ctx context.Context, digest string) (*model.User, error)
	CreateUser(ctx context.Context, user *model.User) (*model.User, error)
	UpdateProfile(ctx context.Context, id, login, displayName, avatarURL string) error
	UpdateSettings(ctx context.Context, id string, monthlyQuota float64, widgetTitle string) error
	UpdateWidgetDigest(ctx context.Context, id, digest string) error
	DeleteUser(ctx context.Context, id string) error
}

// Resolver produces the current usage report for a user.
type Resolver interface {
	Resolve(ctx context.Context, userID string, monthlyQuota float64, title string) (*usage.Resolution, error)
}

// BundleManager stores and drops the billing token bundle.
type BundleManager interface {
	StoreBundle(ctx context.Context, userID string, pair *token.Pair) error
	Disconnect(ctx context.Context, userID string) error
}

// AccountLinker drives the billing-account consent flow.
type AccountLinker interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*token.Pair, error)
}

// CacheInvalidator drops a user's cached report whenever one of its inputs
// changes.
type CacheInvalidator interface {
	Delete(ctx context.Context, userID string) error
}

type Handler struct {
	users    UserStore
	store    sessions.Store
	cfg      *config.Config
	auth     auth.Authenticator
	resolver Resolver
	bundles  BundleManager
	linker   AccountLinker
	cache    CacheInvalidator
	codec    *secret.Codec
}

func New(users UserStore, store sessions.Store, cfg *config.Config, a auth.Authenticator,
	resolver Resolver, bundles BundleManager, linker AccountLinker, cache CacheInvalidator,
	codec *secret.Codec) *Handler {
	return &Handler{users, store, cfg, a, resolver, bundles, linker, cache, codec}
}

func (h *Handler) Home(c *gin.Context) {
	c.JSON(http.StatusOK, struct{ Message string }{
		Message: "budgetbar backend",
	})
}

func (h *Handler) SignInWithProvider(c *gin.Context) {
	provider := c.Param("provider")
	q := c.Request.URL.Query()
	q.Add("provider", provider)
	c.Request.URL.RawQuery = q.Encode()

	h.auth.BeginAuth(c.Writer, c.Request)
}

func (h *Handler) CallbackHandler(c *gin.Context) {
	provider := c.Param("provider")
	q := c.Request.URL.Query()
	q.Add("provider", provider)
	q.Del("scope")
	c.Request.URL.RawQuery = q.Encode()

	gothUser, err := h.auth.CompleteUserAuth(c.Writer, c.Request)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	ctx := c.Request.Context()
	dbUser, err := h.users.FindUserByTwitchID(ctx, gothUser.UserID)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if dbUser == nil {
		dbUser, err = h.users.CreateUser(ctx, &model.User{
			TwitchID:    gothUser.UserID,
			Login:       gothUser.NickName,
			DisplayName: gothUser.Name,
			AvatarURL:   gothUser.AvatarURL,
			WidgetTitle: defaultWidgetTitle,
		})
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	} else {
		if err := h.users.UpdateProfile(ctx, dbUser.ID, gothUser.NickName, gothUser.Name, gothUser.AvatarURL); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}

	session, err := auth.GetSession(h.store, c.Request)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	session.Values["user_id"] = dbUser.ID
	if err := session.Save(c.Request, c.Writer); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.Redirect(http.StatusTemporaryRedirect, h.cfg.FrontendURL)
}

// Me returns the profile plus the full report view (the authenticated side
// also gets daysRemaining and monthRemaining).
func (h *Handler) Me(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	resp := gin.H{
		"id":           user.ID,
		"login":        user.Login,
		"displayName":  user.DisplayName,
		"avatarUrl":    user.AvatarURL,
		"monthlyQuota": user.MonthlyQuota,
		"widgetTitle":  user.WidgetTitle,
		"connected":    user.Connected(),
		"createdAt":    user.CreatedAt,
	}

	res, err := h.resolver.Resolve(c.Request.Context(), user.ID, user.MonthlyQuota, user.WidgetTitle)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("user_id", user.ID).Msg("report resolution failed for profile view")
		resp["report"] = nil
		resp["reportError"] = errorKind(err)
	case res == nil:
		resp["report"] = nil
	default:
		resp["report"] = res.Report
		resp["reportSource"] = string(res.Source)
	}

	c.JSON(http.StatusOK, resp)
}

// errorKind maps a resolution failure to the stable string the frontend
// switches on.
func errorKind(err error) string {
	switch {
	case errors.Is(err, token.ErrReauthRequired):
		return "reauth_required"
	case errors.Is(err, billing.ErrForbidden):
		return "forbidden"
	case errors.Is(err, billing.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, secret.ErrDecryption):
		return "decryption_failed"
	default:
		return "unavailable"
	}
}

type settingsRequest struct {
	MonthlyQuota float64 `json:"monthlyQuota"`
	WidgetTitle  string  `json:"widgetTitle"`
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if req.MonthlyQuota < 0 {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if req.WidgetTitle == "" {
		req.WidgetTitle = defaultWidgetTitle
	}

	ctx := c.Request.Context()
	if err := h.users.UpdateSettings(ctx, user.ID, req.MonthlyQuota, req.WidgetTitle); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// Settings feed straight into the report, so the cached one is wrong now.
	if err := h.cache.Delete(ctx, user.ID); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ConnectBilling sends the user to the upstream consent page, parking a CSRF
// state nonce in the session.
func (h *Handler) ConnectBilling(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	state, err := randomToken(16)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	session, err := auth.GetSession(h.store, c.Request)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	session.Values["billing_state"] = state
	if err := session.Save(c.Request, c.Writer); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.Redirect(http.StatusTemporaryRedirect, h.linker.AuthCodeURL(state))
}

// BillingCallback completes the consent flow: one code exchange, no retry. A
// fresh bundle overwrites whatever was stored, clearing any invalidation
// mark, and the cached report is dropped.
func (h *Handler) BillingCallback(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	session, err := auth.GetSession(h.store, c.Request)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	wantState, _ := session.Values["billing_state"].(string)
	delete(session.Values, "billing_state")
	if err := session.Save(c.Request, c.Writer); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if wantState == "" || c.Query("state") != wantState {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	code := c.Query("code")
	if code == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	pair, err := h.linker.Exchange(ctx, code)
	if err != nil {
		c.AbortWithError(http.StatusBadGateway, err)
		return
	}

	if err := h.bundles.StoreBundle(ctx, user.ID, pair); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if err := h.cache.Delete(ctx, user.ID); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.Redirect(http.StatusTemporaryRedirect, h.cfg.FrontendURL)
}

func (h *Handler) DisconnectBilling(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	ctx := c.Request.Context()
	if err := h.bundles.Disconnect(ctx, user.ID); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if err := h.cache.Delete(ctx, user.ID); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// RotateWidgetToken mints a new public widget token. Only its keyed digest is
// stored; the raw token is returned exactly once.
func (h *Handler) RotateWidgetToken(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	raw, err := randomToken(32)
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if err := h.users.UpdateWidgetDigest(c.Request.Context(), user.ID, h.codec.Hash(raw)); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"widgetToken": raw})
}

func (h *Handler) DeleteAccount(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	if err := h.users.DeleteUser(c.Request.Context(), user.ID); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	session, err := auth.GetSession(h.store, c.Request)
	if err == nil {
		session.Options.MaxAge = -1
		_ = session.Save(c.Request, c.Writer)
	}

	c.Status(http.StatusNoContent)
}

type widgetPayload struct {
	DailyTarget    float64 `json:"dailyTarget"`
	TodayAvailable float64 `json:"todayAvailable"`
	Display        string  `json:"display"`
	Title          string  `json:"title"`
	UpdatedAt      string  `json:"updatedAt"`
}

// Widget is the public per-user feed, polled on a fixed interval by overlay
// pages. It always answers 200: an unknown token, a never-configured account,
// or any resolution failure degrades to the fallback display, never to an
// error body or partial data.
func (h *Handler) Widget(c *gin.Context) {
	fallback := widgetPayload{Display: widgetFallbackDisplay}

	user, err := h.users.FindUserByWidgetDigest(c.Request.Context(), h.codec.Hash(c.Param("token")))
	if err != nil || user == nil {
		if err != nil {
			log.Error().Err(err).Msg("widget token lookup failed")
		}
		c.JSON(http.StatusOK, fallback)
		return
	}

	fallback.Title = user.WidgetTitle

	res, err := h.resolver.Resolve(c.Request.Context(), user.ID, user.MonthlyQuota, user.WidgetTitle)
	if err != nil || res == nil {
		if err != nil {
			log.Warn().Err(err).Str("user_id", user.ID).Msg("widget resolution failed")
		}
		c.JSON(http.StatusOK, fallback)
		return
	}

	c.JSON(http.StatusOK, widgetPayload{
		DailyTarget:    res.Report.DailyTarget,
		TodayAvailable: res.Report.TodayAvailable,
		Display:        res.Report.Display,
		Title:          res.Report.Title,
		UpdatedAt:      res.Report.UpdatedAt,
	})
}

// currentUser pulls the user the auth middleware stored; a miss means the
// route was wired without the middleware, which is a programming error.
func currentUser(c *gin.Context) *model.User {
	v, ok := c.Get(middleware.UserKey)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return nil
	}
	user, ok := v.(*model.User)
	if !ok || user == nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return nil
	}
	return user
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
