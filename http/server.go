// Package http exposes the facilitator over a JSON API: the x402
// supported/verify/settle endpoints plus a small admin surface for wallet
// and nonce diagnostics.
package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	facilitator "github.com/openfacilitator/facilitator"
	"github.com/openfacilitator/facilitator/mechanisms/evm"
	"github.com/openfacilitator/facilitator/mechanisms/svm"
)

// ServerConfig wires the router. EVM and SVM are optional; admin endpoints
// for a missing executor return 404.
type ServerConfig struct {
	Facilitator *facilitator.Facilitator
	EVM         *evm.Executor
	SVM         *svm.Executor
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(cfg ServerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	s := &server{cfg: cfg}

	r.GET("/health", s.health)
	r.GET("/supported", s.supported)
	r.POST("/verify", s.verify)
	r.POST("/settle", s.settle)

	if cfg.EVM != nil {
		admin := r.Group("/admin")
		admin.GET("/nonce-status", s.nonceStatus)
		admin.POST("/nonce-reset", s.nonceReset)
		admin.GET("/balance", s.balance)
	}
	if cfg.SVM != nil {
		r.GET("/admin/solana-balance", s.solanaBalance)
	}

	return r
}

type server struct {
	cfg ServerConfig
}

// paymentRequest is the body of /verify and /settle. Exactly one of
// PaymentPayload and PaymentHeader is present after schema validation.
type paymentRequest struct {
	X402Version         int                             `json:"x402Version"`
	PaymentPayload      json.RawMessage                 `json:"paymentPayload"`
	PaymentHeader       string                          `json:"paymentHeader"`
	PaymentRequirements facilitator.PaymentRequirements `json:"paymentRequirements"`
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) supported(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Facilitator.GetSupported())
}

func (s *server) verify(c *gin.Context) {
	req, ok := s.readPaymentRequest(c)
	if !ok {
		return
	}
	resp := s.cfg.Facilitator.Verify(c.Request.Context(), req.rawPayload(), req.PaymentRequirements)
	c.JSON(http.StatusOK, resp)
}

func (s *server) settle(c *gin.Context) {
	req, ok := s.readPaymentRequest(c)
	if !ok {
		return
	}
	resp := s.cfg.Facilitator.Settle(c.Request.Context(), req.rawPayload(), req.PaymentRequirements)
	c.JSON(http.StatusOK, resp)
}

func (s *server) nonceStatus(c *gin.Context) {
	chainID, err := strconv.ParseInt(c.Query("chainId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chainId must be an integer"})
		return
	}
	signer := c.Query("signer")
	if signer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signer is required"})
		return
	}
	status, err := s.cfg.EVM.GetNonceStatus(c.Request.Context(), chainID, signer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *server) nonceReset(c *gin.Context) {
	var req struct {
		ChainID int64  `json:"chainId"`
		Signer  string `json:"signer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ChainID == 0 || req.Signer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chainId and signer are required"})
		return
	}
	cursor, err := s.cfg.EVM.ForceResetNonce(c.Request.Context(), req.ChainID, req.Signer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursor": cursor})
}

func (s *server) balance(c *gin.Context) {
	chainID, err := strconv.ParseInt(c.Query("chainId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chainId must be an integer"})
		return
	}
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	bal, err := s.cfg.EVM.WalletBalance(c.Request.Context(), chainID, address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"chainId": chainID, "address": address, "balance": bal.String()}
	if token := c.Query("token"); token != "" {
		tokenBal, err := s.cfg.EVM.TokenBalance(c.Request.Context(), chainID, token, address)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["tokenBalance"] = tokenBal.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) solanaBalance(c *gin.Context) {
	network := c.DefaultQuery("network", "solana")
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	lamports, err := s.cfg.SVM.WalletBalance(c.Request.Context(), network, address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"network": network, "address": address, "lamports": lamports}
	if mint := c.Query("mint"); mint != "" {
		amount, err := s.cfg.SVM.TokenBalance(c.Request.Context(), network, address, mint)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["tokenBalance"] = amount
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) readPaymentRequest(c *gin.Context) (*paymentRequest, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return nil, false
	}
	if err := validateRequestBody(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	var req paymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return nil, false
	}
	return &req, true
}

// rawPayload returns whichever payload form the client sent, ready for
// facilitator.DecodePaymentPayload. A paymentPayload that is a JSON string
// carries a base64 document and is handed over as a string.
func (r *paymentRequest) rawPayload() interface{} {
	if r.PaymentHeader != "" {
		return r.PaymentHeader
	}
	var s string
	if err := json.Unmarshal(r.PaymentPayload, &s); err == nil {
		return s
	}
	return []byte(r.PaymentPayload)
}
