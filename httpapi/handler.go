package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/edulab/authcore"
	"github.com/edulab/authcore/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	engine  *authcore.Engine
	cookies middleware.CookieConfig
	opts    []middleware.Option
	log     *zap.Logger
}

func NewHandler(engine *authcore.Engine, cookies middleware.CookieConfig, log *zap.Logger, opts ...middleware.Option) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append([]middleware.Option{middleware.WithLogger(log)}, opts...)
	return &Handler{engine: engine, cookies: cookies, opts: opts, log: log}
}

// AuthMiddleware is the chain protecting authenticated routes: renewal, then RequireAuth.
func (h *Handler) AuthMiddleware() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		Renewal(h.engine, h.engine, h.cookies, h.opts...),
		RequireAuth(h.engine, h.cookies),
	}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/healthz", h.health)

	a := rg.Group("/auth")
	a.POST("/login", h.login)
	a.POST("/refresh", h.refresh)
	a.POST("/logout", h.logout)

	authed := a.Group("", h.AuthMiddleware()...)
	authed.POST("/logout-all", h.logoutAll)
	authed.GET("/sessions", h.listSessions)
	authed.DELETE("/sessions/:id", h.revokeSession)
	authed.DELETE("/sessions", h.revokeOtherSessions)
}

// NewRouter returns a gin engine with recovery, request logging and the auth routes.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log))
	h.RegisterRoutes(&r.RouterGroup)
	return r
}

type loginRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
	Device     string `json:"device"`
	Location   string `json:"location"`
}

type tokenResponse struct {
	AccessToken        string    `json:"accessToken"`
	RefreshToken       string    `json:"refreshToken"`
	RefreshTokenExpiry time.Time `json:"refreshTokenExpiry"`
	SessionID          string    `json:"sessionId,omitempty"`
}

type refreshRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "identifier and password are required")
		return
	}

	res, err := h.engine.Login(clientContext(c), authcore.LoginRequest{
		Identifier: req.Identifier,
		Password:   req.Password,
		Device:     req.Device,
		Location:   req.Location,
		IP:         c.ClientIP(),
	})
	if err != nil {
		Error(c, err)
		return
	}

	h.cookies.SetTokens(c.Writer, &res.TokenPair)
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:        res.AccessToken,
		RefreshToken:       res.RefreshToken,
		RefreshTokenExpiry: res.RefreshTokenExpiry,
		SessionID:          res.SessionID,
	})
}

func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, "malformed body")
			return
		}
	}
	fromCookies := h.cookies.ReadCredentials(c.Request)
	if req.AccessToken == "" {
		req.AccessToken = fromCookies.AccessToken
	}
	if req.RefreshToken == "" {
		req.RefreshToken = fromCookies.RefreshToken
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		Unauthorized(c)
		return
	}

	pair, err := h.engine.Refresh(clientContext(c), req.AccessToken, req.RefreshToken)
	if err != nil {
		if authcore.IsDefinitive(err) {
			h.cookies.ClearTokens(c.Writer)
			Unauthorized(c)
			return
		}
		Error(c, err)
		return
	}

	h.cookies.SetTokens(c.Writer, pair)
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:        pair.AccessToken,
		RefreshToken:       pair.RefreshToken,
		RefreshTokenExpiry: pair.RefreshTokenExpiry,
	})
}

func (h *Handler) logout(c *gin.Context) {
	access, _ := h.cookies.AccessToken(c.Request)
	refresh := h.cookies.ReadCredentials(c.Request).RefreshToken

	if access != "" {
		err := h.engine.Logout(clientContext(c), access, refresh)
		if errors.Is(err, authcore.ErrStoreUnavailable) {
			Error(c, err)
			return
		}
		if err != nil {
			h.log.Debug("logout with unusable token", zap.Error(err))
		}
	}

	h.cookies.ClearTokens(c.Writer)
	c.Status(http.StatusNoContent)
}

func (h *Handler) logoutAll(c *gin.Context) {
	auth, ok := CurrentAuth(c)
	if !ok {
		Unauthorized(c)
		return
	}
	n, err := h.engine.LogoutAll(clientContext(c), auth.UserID)
	if err != nil {
		Error(c, err)
		return
	}
	h.cookies.ClearTokens(c.Writer)
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

func (h *Handler) listSessions(c *gin.Context) {
	auth, ok := CurrentAuth(c)
	if !ok {
		Unauthorized(c)
		return
	}
	list, err := h.engine.ListSessions(c.Request.Context(), auth.UserID, auth.SessionID)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (h *Handler) revokeSession(c *gin.Context) {
	auth, ok := CurrentAuth(c)
	if !ok {
		Unauthorized(c)
		return
	}
	id := c.Param("id")
	if _, err := h.engine.RevokeSession(clientContext(c), auth.UserID, id); err != nil {
		Error(c, err)
		return
	}
	if id == auth.SessionID {
		h.cookies.ClearTokens(c.Writer)
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) revokeOtherSessions(c *gin.Context) {
	auth, ok := CurrentAuth(c)
	if !ok {
		Unauthorized(c)
		return
	}
	n, err := h.engine.RevokeOtherSessions(clientContext(c), auth.UserID, auth.SessionID)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

func (h *Handler) health(c *gin.Context) {
	status := h.engine.Health(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
