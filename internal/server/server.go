// Package server exposes the scan pipeline and the login flow over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/YKarmar/JobFunnel/internal/apperr"
	"github.com/YKarmar/JobFunnel/internal/logger"
	"github.com/YKarmar/JobFunnel/internal/scan"
	"github.com/YKarmar/JobFunnel/internal/types"
	"github.com/YKarmar/JobFunnel/internal/vault"
)

const (
	SessionCookie = "jobfunnel_session"
	StateCookie   = "jobfunnel_oauth_state"
	dateLayout    = "2006-01-02"
)

// Auth is the credential vault as seen by the HTTP layer.
type Auth interface {
	BeginAuth(provider types.Provider, next string) (*vault.AuthStart, error)
	CompleteAuth(ctx context.Context, provider types.Provider, code, state string) (*types.Session, string, error)
	Session(ctx context.Context, id string) (*types.Session, error)
	Logout(ctx context.Context, id string) error
	IssueCookie(id string) (string, error)
	SessionIDFromCookie(value string) (string, error)
	SessionTTL() time.Duration
}

type Scanner interface {
	Run(ctx context.Context, req scan.Request) (*types.ScanResult, error)
}

type Options struct {
	Auth           Auth
	Scanner        Scanner
	FrontendURL    string
	AllowedOrigins []string
	CookieSecure   bool
	Logger         *zap.Logger
}

type Router struct {
	Engine *gin.Engine

	auth         Auth
	scanner      Scanner
	frontendURL  string
	cookieSecure bool
	log          *zap.Logger
}

func NewRouter(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	rt := &Router{
		auth:         opts.Auth,
		scanner:      opts.Scanner,
		frontendURL:  strings.TrimRight(opts.FrontendURL, "/"),
		cookieSecure: opts.CookieSecure,
		log:          opts.Logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), AccessLog(opts.Logger), CORSMiddleware(opts.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/auth/status", rt.authStatus)
		api.GET("/auth/:provider/start", rt.authStart)
		api.GET("/auth/:provider/callback", rt.authCallback)
		api.POST("/auth/logout", rt.logout)
		api.POST("/scan", rt.scan)
	}

	rt.Engine = r
	return rt
}

func (rt *Router) setCookie(c *gin.Context, name, value string, maxAge int, path string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, maxAge, path, "", rt.cookieSecure, true)
}

// sessionID returns the verified session id from the cookie, or an
// AuthExpired error.
func (rt *Router) sessionID(c *gin.Context) (string, error) {
	raw, err := c.Cookie(SessionCookie)
	if err != nil || raw == "" {
		return "", apperr.New(apperr.KindAuthExpired, "not signed in")
	}
	return rt.auth.SessionIDFromCookie(raw)
}

func (rt *Router) authStatus(c *gin.Context) {
	id, err := rt.sessionID(c)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	s, err := rt.auth.Session(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"provider":      s.Provider,
		"email":         s.OwnerEmail,
	})
}

func (rt *Router) authStart(c *gin.Context) {
	provider, ok := types.ParseProvider(c.Param("provider"))
	if !ok {
		rt.writeError(c, apperr.New(apperr.KindInvalidRequest, "unknown provider"))
		return
	}
	start, err := rt.auth.BeginAuth(provider, c.DefaultQuery("next", "/"))
	if err != nil {
		rt.writeError(c, err)
		return
	}
	rt.setCookie(c, StateCookie, start.State, int(vault.StateTTL/time.Second), "/api/auth")
	c.Redirect(http.StatusFound, start.URL)
}

// authCallback always answers the browser with a redirect to the frontend;
// failures carry auth=error with the failure kind and a readable message.
func (rt *Router) authCallback(c *gin.Context) {
	provider, ok := types.ParseProvider(c.Param("provider"))
	if !ok {
		rt.authFailed(c, apperr.New(apperr.KindInvalidRequest, "unknown provider"))
		return
	}
	if e := c.Query("error"); e != "" {
		rt.log.Warn("provider returned an OAuth error",
			zap.String("provider", string(provider)),
			zap.String("error", e),
		)
		rt.authFailed(c, apperr.New(apperr.KindAuthProviderError, "the provider refused the sign-in: "+e))
		return
	}

	state := c.Query("state")
	if cookie, err := c.Cookie(StateCookie); err != nil || cookie == "" || cookie != state {
		rt.authFailed(c, apperr.New(apperr.KindAuthStateMismatch, "login state does not match this browser; start sign-in again"))
		return
	}
	rt.setCookie(c, StateCookie, "", -1, "/api/auth")

	s, next, err := rt.auth.CompleteAuth(c.Request.Context(), provider, c.Query("code"), state)
	if err != nil {
		rt.authFailed(c, err)
		return
	}
	cookie, err := rt.auth.IssueCookie(s.ID)
	if err != nil {
		rt.authFailed(c, err)
		return
	}
	rt.setCookie(c, SessionCookie, cookie, int(rt.auth.SessionTTL()/time.Second), "/")
	c.Redirect(http.StatusFound, rt.frontendURL+next)
}

func (rt *Router) authFailed(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	rt.logFailure(c, kind, err)
	rt.setCookie(c, StateCookie, "", -1, "/api/auth")
	q := url.Values{}
	q.Set("auth", "error")
	q.Set("kind", string(kind))
	q.Set("message", apperr.Reason(err))
	c.Redirect(http.StatusFound, rt.frontendURL+"/?"+q.Encode())
	c.Abort()
}

func (rt *Router) logout(c *gin.Context) {
	if id, err := rt.sessionID(c); err == nil {
		if err := rt.auth.Logout(c.Request.Context(), id); err != nil {
			rt.writeError(c, err)
			return
		}
	}
	rt.setCookie(c, SessionCookie, "", -1, "/")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type scanRequest struct {
	Identity  string `json:"identity"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// scanResponse is the client view of a scan. Artifact locations on the
// server's disk stay private.
type scanResponse struct {
	OK              bool                   `json:"ok"`
	Identity        string                 `json:"identity"`
	StartDate       string                 `json:"start_date"`
	EndDate         string                 `json:"end_date"`
	Summary         types.Summary          `json:"summary"`
	ApplicationRows []types.ApplicationRow `json:"application_rows"`
	MessageRows     []types.MessageRow     `json:"message_rows"`
	FunnelEdges     []types.FunnelEdge     `json:"funnel_edges"`
	Warnings        []string               `json:"warnings,omitempty"`
	GeneratedAt     time.Time              `json:"generated_at"`
	Cached          bool                   `json:"cached"`
	FunnelImage     string                 `json:"funnel_image"`
}

func newScanResponse(res *types.ScanResult) scanResponse {
	resp := scanResponse{
		OK:              true,
		Identity:        res.Identity,
		StartDate:       res.StartDate,
		EndDate:         res.EndDate,
		Summary:         res.Summary,
		ApplicationRows: res.ApplicationRows,
		MessageRows:     res.MessageRows,
		FunnelEdges:     res.FunnelEdges,
		Warnings:        res.Warnings,
		GeneratedAt:     res.GeneratedAt,
		Cached:          res.Cached,
	}
	if len(res.Artifacts.FunnelImageBytes) > 0 {
		resp.FunnelImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(res.Artifacts.FunnelImageBytes)
	}
	return resp
}

func (rt *Router) scan(c *gin.Context) {
	id, err := rt.sessionID(c)
	if err != nil {
		rt.writeError(c, err)
		return
	}
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rt.writeError(c, apperr.Wrap(apperr.KindInvalidRequest, "request body must be JSON with start_date and end_date", err))
		return
	}
	start, err := time.Parse(dateLayout, strings.TrimSpace(req.StartDate))
	if err != nil {
		rt.writeError(c, apperr.New(apperr.KindInvalidRequest, "start_date must be YYYY-MM-DD"))
		return
	}
	end, err := time.Parse(dateLayout, strings.TrimSpace(req.EndDate))
	if err != nil {
		rt.writeError(c, apperr.New(apperr.KindInvalidRequest, "end_date must be YYYY-MM-DD"))
		return
	}

	res, err := rt.scanner.Run(c.Request.Context(), scan.Request{
		SessionID: id,
		Identity:  req.Identity,
		Start:     start,
		End:       end,
	})
	if err != nil {
		rt.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newScanResponse(res))
}

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuthStateMismatch, apperr.KindInvalidRequest:
		return http.StatusBadRequest
	case apperr.KindAuthExpired:
		return http.StatusUnauthorized
	case apperr.KindScanInProgress:
		return http.StatusConflict
	case apperr.KindProviderRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindAuthProviderError:
		return http.StatusBadGateway
	case apperr.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (rt *Router) logFailure(c *gin.Context, kind apperr.Kind, err error) {
	log := logger.WithTrace(c.Request.Context(), rt.log)
	if StatusFor(kind) >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		log.Info("request rejected", zap.String("kind", string(kind)), zap.String("reason", apperr.Reason(err)))
	}
}

func (rt *Router) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	rt.logFailure(c, kind, err)
	c.AbortWithStatusJSON(StatusFor(kind), gin.H{
		"ok": false,
		"error": gin.H{
			"kind":    kind,
			"message": apperr.Reason(err),
		},
	})
}
