package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-federation/internal/domain"
	"github.com/smallbiznis/valora-federation/internal/repository"
)

const (
	// SessionCookieName carries the opaque session id.
	SessionCookieName = "valora_session"
	sessionContextKey = "session"
)

// Sessions keeps a server-side session for every browser, anonymous or not.
type Sessions struct {
	store  repository.SessionStore
	ttl    time.Duration
	secure bool
	logger *zap.Logger
	now    func() time.Time
}

func NewSessions(store repository.SessionStore, ttl time.Duration, secure bool, logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.L()
	}
	return &Sessions{store: store, ttl: ttl, secure: secure, logger: logger, now: time.Now}
}

// Handler loads the session named by the cookie, starting a fresh anonymous one
// when the cookie is missing, unknown or expired.
func (s *Sessions) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id, err := c.Cookie(SessionCookieName); err == nil && id != "" {
			session, err := s.store.Get(ctx, id)
			if err != nil {
				s.logger.Error("load session", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
				return
			}
			if session != nil {
				c.Set(sessionContextKey, session)
				c.Next()
				return
			}
		}

		if _, err := s.issue(c, 0); err != nil {
			s.logger.Error("create session", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
			return
		}
		c.Next()
	}
}

// Login rotates the session id and binds it to userID.
func (s *Sessions) Login(c *gin.Context, userID int64) error {
	s.drop(c.Request.Context(), CurrentSession(c))
	_, err := s.issue(c, userID)
	return err
}

// Logout discards the session and starts an anonymous one.
func (s *Sessions) Logout(c *gin.Context) error {
	s.drop(c.Request.Context(), CurrentSession(c))
	_, err := s.issue(c, 0)
	return err
}

func (s *Sessions) drop(ctx context.Context, session *domain.Session) {
	if session == nil || session.ID == "" {
		return
	}
	if err := s.store.Delete(ctx, session.ID); err != nil {
		s.logger.Warn("failed to delete session", zap.Error(err))
	}
}

func (s *Sessions) issue(c *gin.Context, userID int64) (*domain.Session, error) {
	now := s.now().UTC()
	session := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Create(c.Request.Context(), *session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	// Lax so the cookie survives the top-level redirect back from the provider.
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	c.Set(sessionContextKey, session)
	return session, nil
}

// CurrentSession returns the request session, or an empty anonymous one when the
// middleware did not run.
func CurrentSession(c *gin.Context) *domain.Session {
	if value, ok := c.Get(sessionContextKey); ok {
		if session, ok := value.(*domain.Session); ok && session != nil {
			return session
		}
	}
	return &domain.Session{}
}
