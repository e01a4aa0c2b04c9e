package handler

import (
	"auth_api/internal/auth"
	"auth_api/internal/health"
	"auth_api/internal/service"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
)

const (
	ctxUserID   = "UserID"
	ctxUsername = "Username"
	ctxClaims   = "Claims"

	headerRequestID = "X-Request-ID"
)

// Version is reported by the index route.
var Version = "1.0.0"

// Readiness is satisfied by *health.Service.
type Readiness interface {
	Ready(ctx context.Context) health.Report
}

type Handler struct {
	serviceLayer service.Service
	readiness    Readiness
	log          *slog.Logger
	now          func() time.Time
}

type errorResponse struct {
	Message string `json:"message"`
}

func newErrorResponse(c *gin.Context, statusCode int, errMessage string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Message: errMessage})
}

func NewHandler(srvc service.Service, readiness Readiness, lgr *slog.Logger) *Handler {
	return &Handler{
		serviceLayer: srvc,
		readiness:    readiness,
		log:          lgr,
		now:          time.Now,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), RequestLogger(h.log))

	router.GET("/", h.Index)
	router.GET("/test", h.Test)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	authGroup := router.Group("/auth")
	{
		authGroup.GET("", h.AuthPing)
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)

		authGroup.Use(h.AuthMiddleware())
		authGroup.POST("/logout", h.Logout)
		authGroup.GET("/profile", h.GetProfile)
	}

	return router
}

// AuthMiddleware admits requests carrying a valid bearer token and stores
// its claims on the context.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handler.AuthMiddleware"

		log := h.log.With(slog.String("op", op))

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			newErrorResponse(c, http.StatusUnauthorized, "Access denied. No token provided.")

			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			newErrorResponse(c, http.StatusUnauthorized, "invalid authorization header")

			return
		}

		claims, err := h.serviceLayer.RequireAuth(parts[1])
		if err != nil {
			log.Debug("rejected token", slog.Any("error", err))

			newErrorResponse(c, http.StatusUnauthorized, "Invalid token.")

			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUsername, claims.Username)
		c.Set(ctxClaims, claims)

		c.Next()
	}
}

// Request bodies are accepted as JSON or as urlencoded forms.
type registerRequest struct {
	Username string `json:"username" form:"username"`
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// GET /
func (h *Handler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"date":    h.now().UTC().Format(time.RFC3339),
		"message": "Welcome to the auth API",
		"version": Version,
		"uuid":    uuid.Must(uuid.NewV4()).String(),
		"endpoints": []string{
			"GET /auth",
			"POST /auth/register",
			"POST /auth/login",
			"POST /auth/logout",
			"GET /auth/profile",
			"GET /test",
			"GET /health",
			"GET /ready",
		},
	})
}

// GET /test
func (h *Handler) Test(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "Test route is working!",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"status":    "success",
	})
}

// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GET /ready
func (h *Handler) Ready(c *gin.Context) {
	report := h.readiness.Ready(c.Request.Context())
	if !report.Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "details": report.Details})

		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready", "details": report.Details})
}

// GET /auth
func (h *Handler) AuthPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "Login endpoint is working",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// POST /auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))

	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		log.Debug("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request body")

		return
	}

	user, err := h.serviceLayer.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.fail(c, log, "failed to register user", err)

		return
	}

	c.JSON(http.StatusCreated, user)
}

// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		log.Debug("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request body")

		return
	}

	session, err := h.serviceLayer.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(c, log, "failed to login", err)

		return
	}

	c.JSON(http.StatusOK, session)
}

// POST /auth/logout
//
// Tokens are not revoked; the client discards its token.
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op))

	username := c.GetString(ctxUsername)

	log.Info("user logout", slog.String("username", username))

	c.JSON(http.StatusOK, gin.H{"username": username})
}

// GET /auth/profile
func (h *Handler) GetProfile(c *gin.Context) {
	const op = "handler.GetProfile"

	log := h.log.With(slog.String("op", op))

	userID, ok := c.Get(ctxUserID)
	if !ok {
		log.Error("failed to get user id from context")

		newErrorResponse(c, http.StatusUnauthorized, "User not authenticated")

		return
	}

	id, ok := userID.(uuid.UUID)
	if !ok {
		log.Error("invalid user id", slog.Any("id", userID))

		newErrorResponse(c, http.StatusUnauthorized, "User not authenticated")

		return
	}

	user, err := h.serviceLayer.GetProfile(c.Request.Context(), id)
	if err != nil {
		h.fail(c, log.With(slog.String("user_id", id.String())), "failed to get profile", err)

		return
	}

	c.JSON(http.StatusOK, user)
}

// fail writes the response for a service error. Only validation and
// conflict messages are passed through; everything else gets a fixed text.
func (h *Handler) fail(c *gin.Context, log *slog.Logger, msg string, err error) {
	var (
		validationErr *service.ValidationError
		conflictErr   *service.ConflictError
	)

	switch {
	case errors.As(err, &validationErr):
		log.Debug(msg, slog.Any("error", err))
		newErrorResponse(c, http.StatusBadRequest, validationErr.Message)
	case errors.As(err, &conflictErr):
		log.Info(msg, slog.Any("error", err))
		newErrorResponse(c, http.StatusConflict, conflictErr.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		log.Info(msg, slog.Any("error", err))
		newErrorResponse(c, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		log.Info(msg, slog.Any("error", err))
		newErrorResponse(c, http.StatusUnauthorized, "Invalid token.")
	case errors.Is(err, service.ErrNotFound):
		log.Info(msg, slog.Any("error", err))
		newErrorResponse(c, http.StatusNotFound, "User not found")
	default:
		log.Error(msg, slog.Any("error", err))
		newErrorResponse(c, http.StatusInternalServerError, "Internal server error")
	}
}
