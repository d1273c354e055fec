package router

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/gpuforge/gpu-broker/internal/auth"
)

const identityKey = "gpu-broker/identity"

// AuthMiddleware verifies the Authorization header and stores the caller
// identity on the request context.
func AuthMiddleware(a *auth.Authenticator) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ident, err := a.Authenticate(ctx.Request.Context(), ctx.GetHeader("Authorization"))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authentication credentials"})
			return
		}
		ctx.Set(identityKey, ident)
		ctx.Next()
	}
}

func callerIdentity(ctx *gin.Context) *auth.Identity {
	return ctx.MustGet(identityKey).(*auth.Identity)
}

// orgRateLimiter throttles a hot endpoint per organization.
type orgRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newOrgRateLimiter(perMinute int) *orgRateLimiter {
	return &orgRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

func (r *orgRateLimiter) limiter(orgID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[orgID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[orgID] = l
	}
	return l
}

// Middleware rejects requests over the per-organization budget. Runs after
// AuthMiddleware so the organization is known.
func (r *orgRateLimiter) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ident := callerIdentity(ctx)
		if !r.limiter(ident.OrganizationID).Allow() {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "allocation rate limit exceeded, slow down"})
			return
		}
		ctx.Next()
	}
}
