package server

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/ledger"
	"github.com/upow-network/imagepool/internal/pool"
	"github.com/upow-network/imagepool/internal/protocol"
	"github.com/upow-network/imagepool/internal/ratelimit"
	"github.com/upow-network/imagepool/internal/storage"
	"github.com/upow-network/imagepool/internal/wallet"
)

// activeWindow is how recently a participant must have been seen to count
// as an active miner.
const activeWindow = 15 * time.Minute

// PoolServer serves the miner-facing and user-facing pool API plus the
// validator settlement websocket.
type PoolServer struct {
	assigner   *pool.Assigner
	settlement *pool.Settlement
	ledger     *ledger.Ledger
	db         *storage.DB
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// NewPoolServer creates the pool API server.
func NewPoolServer(assigner *pool.Assigner, settlement *pool.Settlement, lg *ledger.Ledger, db *storage.DB, log *zap.Logger) *PoolServer {
	return &PoolServer{
		assigner:   assigner,
		settlement: settlement,
		ledger:     lg,
		db:         db,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:        log,
	}
}

// Router builds the gin engine with all pool routes registered.
func (s *PoolServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	limited := r.Group("/", rateLimitMiddleware(ratelimit.NewKeyed(rateLimitRequests, rateLimitWindow)))

	r.GET("/health", s.handleHealth)
	limited.POST("/tasks/next", s.handleNextTask)
	limited.POST("/tasks/submit", s.handleSubmitTask)
	r.GET("/retrieve/:retrieve_id", s.handleRetrieve)
	r.GET("/balance/:wallet", s.handleBalance)
	r.GET("/reserve/balance", s.handleReserveBalance)
	limited.POST("/deduct", s.handleDeduct)
	limited.POST("/reserve/deduct", s.handleReserveDeduct)
	r.GET("/transactions/:wallet", s.handleTransactions)
	r.GET("/stats/active", s.handleActiveMiners)
	r.GET("/settle", s.handleSettle)
	return r
}

func (s *PoolServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "imagepool"})
}

// handleNextTask assigns (or re-delivers) a task to the requesting miner.
func (s *PoolServer) handleNextTask(c *gin.Context) {
	var req struct {
		WalletAddress string `json:"wallet_address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !wallet.IsValidAddress(req.WalletAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet address"})
		return
	}

	eligible, err := s.assigner.Eligible(req.WalletAddress)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	if !eligible {
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet is not eligible for new tasks"})
		return
	}

	task, err := s.assigner.Assign(req.WalletAddress)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleSubmitTask accepts a miner's completed output.
func (s *PoolServer) handleSubmitTask(c *gin.Context) {
	var req struct {
		TaskID        string `json:"task_id" binding:"required"`
		WalletAddress string `json:"wallet_address" binding:"required"`
		Output        string `json:"output" binding:"required,base64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	output, err := base64.StdEncoding.DecodeString(req.Output)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "output is not valid base64"})
		return
	}

	score, err := s.assigner.Complete(c.Request.Context(), req.TaskID, req.WalletAddress, output)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "score": score})
}

// handleRetrieve returns the generated image for a retrieval id.
func (s *PoolServer) handleRetrieve(c *gin.Context) {
	data, err := s.assigner.Retrieve(c.Request.Context(), c.Param("retrieve_id"))
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (s *PoolServer) handleBalance(c *gin.Context) {
	bal, err := s.ledger.Balance(c.Param("wallet"))
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet_address": c.Param("wallet"), "balance": bal.String()})
}

func (s *PoolServer) handleReserveBalance(c *gin.Context) {
	bal, err := s.ledger.Balance(storage.ReserveWallet)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal.String()})
}

// handleDeduct charges a user wallet, for example for a generation request.
func (s *PoolServer) handleDeduct(c *gin.Context) {
	var req struct {
		WalletAddress string `json:"wallet_address" binding:"required"`
		Amount        string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	newBal, err := s.ledger.Deduct(req.WalletAddress, req.Amount, ledger.ReasonDeductUser)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "new_balance": newBal.String()})
}

func (s *PoolServer) handleReserveDeduct(c *gin.Context) {
	var req struct {
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	newBal, err := s.ledger.DeductReserve(req.Amount)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "new_balance": newBal.String()})
}

// handleTransactions returns a page of a wallet's ledger entries.
func (s *PoolServer) handleTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	entries, total, err := s.ledger.Entries(c.Param("wallet"), page, pageSize)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"total":        total,
		"page":         page,
		"page_size":    pageSize,
	})
}

// handleActiveMiners reports how many wallets completed work recently.
func (s *PoolServer) handleActiveMiners(c *gin.Context) {
	since := time.Now().Add(-activeWindow).Unix()
	n, err := s.db.CountActiveParticipants(since)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_miners": n})
}

// handleSettle upgrades to a websocket and applies verdict reports sent by
// validators, answering each with an ack.
func (s *PoolServer) handleSettle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("settle upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	limiter := ratelimit.New(rateLimitRequests, rateLimitWindow)
	for {
		report := &protocol.VerdictReport{}
		if err := conn.ReadJSON(report); err != nil {
			return
		}

		if !limiter.Allow() {
			if err := conn.WriteJSON(protocol.SettleAck{Status: "rejected", Message: "rate limit exceeded"}); err != nil {
				return
			}
			continue
		}

		ack := protocol.SettleAck{Status: "ok"}
		if err := s.settlement.ApplyReport(report); err != nil {
			ack = protocol.SettleAck{Status: "rejected", Message: err.Error()}
			s.log.Warn("verdict rejected",
				zap.String("val_id", report.ValID), zap.Error(err))
		}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}
