package web

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/fedtube/activitypub"
	"github.com/deemkeen/fedtube/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP for the inbox routes.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows limit deliveries per second per IP, up to burst.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{limiters: map[string]*rate.Limiter{}, limit: limit, burst: burst}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[ip] = l
	}
	return l
}

// reset forgets every bucket once more than maxLimiters IPs are tracked.
func (rl *RateLimiter) reset(maxLimiters int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > maxLimiters {
		rl.limiters = map[string]*rate.Limiter{}
	}
}

func (rl *RateLimiter) cleanupOldLimiters(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.reset(10000)
		}
	}
}

// RateLimitMiddleware answers 429 once the caller's bucket is empty.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded. Please try again later."})
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware refuses declared bodies over maxBytes and caps the
// reader for the rest.
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestLogger logs every request once it has been served.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("Request failed", fields...)
			return
		}
		logger.Debug("Request served", fields...)
	}
}

// RequestAuthenticator returns the actor that signed a request.
type RequestAuthenticator interface {
	Authenticate(req *http.Request) (*domain.Actor, error)
}

const signatureActorKey = "signatureActor"

// SignatureMiddleware rejects requests without a valid HTTP signature and
// stores the signing actor in the context.
func SignatureMiddleware(auth RequestAuthenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := auth.Authenticate(c.Request)
		if errors.Is(err, activitypub.ErrMissingSignature) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing HTTP signature"})
			return
		}
		if err != nil {
			logger.Info("Rejecting delivery with invalid signature", zap.String("ip", c.ClientIP()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid HTTP signature"})
			return
		}
		c.Set(signatureActorKey, actor)
		c.Next()
	}
}

func signatureActor(c *gin.Context) *domain.Actor {
	actor, _ := c.Get(signatureActorKey)
	a, _ := actor.(*domain.Actor)
	return a
}

// AdminAuth accepts HS256 bearer tokens signed with secret and carrying a
// subject. An empty secret disables the admin API.
func AdminAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return func(c *gin.Context) {
		if strings.TrimSpace(secret) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Admin API is disabled"})
			return
		}
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Bearer token required"})
			return
		}
		claims := &jwt.RegisteredClaims{}
		parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.Set("adminSubject", claims.Subject)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
