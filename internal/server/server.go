// Package server exposes the pool and validator HTTP APIs.
package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/ratelimit"
)

// Rate limit applied per wallet (or client IP when no wallet is present).
const (
	rateLimitRequests = 60
	rateLimitWindow   = time.Minute
)

// statusFor maps a fault kind to an HTTP status code.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindIntegrity:
		return http.StatusForbidden
	case fault.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case fault.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithFault ends the request with the fault's status and message.
func abortWithFault(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

// rateLimitMiddleware throttles by the wallet named in the request body,
// falling back to the client IP, so miners sharing an address are throttled
// independently.
func rateLimitMiddleware(limiter *ratelimit.Keyed) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(rateLimitKey(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// rateLimitKey peeks at the JSON body for a wallet_address field, restoring
// the body for the handler's own binding.
func rateLimitKey(c *gin.Context) string {
	body, err := c.GetRawData()
	if err != nil {
		return c.ClientIP()
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	var peek struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := json.Unmarshal(body, &peek); err != nil || peek.WalletAddress == "" {
		return c.ClientIP()
	}
	return peek.WalletAddress
}

// requestLogger logs one line per request in zap's structured form.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
