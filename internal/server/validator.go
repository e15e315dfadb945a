package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/protocol"
	"github.com/upow-network/imagepool/internal/ratelimit"
	"github.com/upow-network/imagepool/internal/validator"
)

// ValidatorServer serves the validator's envelope intake API.
type ValidatorServer struct {
	verifier *validator.Verifier
	address  string
	log      *zap.Logger
}

// NewValidatorServer creates the validator API server. address is the
// validator's own wallet address, reported on health checks.
func NewValidatorServer(verifier *validator.Verifier, address string, log *zap.Logger) *ValidatorServer {
	return &ValidatorServer{verifier: verifier, address: address, log: log}
}

// Router builds the gin engine with all validator routes registered.
func (s *ValidatorServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/health", s.handleHealth)
	r.POST("/upload_tasks/",
		rateLimitMiddleware(ratelimit.NewKeyed(rateLimitRequests, rateLimitWindow)),
		s.handleUploadTasks)
	return r
}

func (s *ValidatorServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"service":           "imagepool-validator",
		"validator_address": s.address,
		"time":              time.Now().UTC().Format(time.RFC3339),
	})
}

// handleUploadTasks receives one signed batch envelope from a pool.
func (s *ValidatorServer) handleUploadTasks(c *gin.Context) {
	env := &protocol.BatchEnvelope{}
	if err := c.ShouldBindJSON(env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.verifier.Verify(c.Request.Context(), env); err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "val_id": env.ValID})
}
