package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
	rksvdomain "github.com/fiskalwerk/rksv/internal/registrierkasse/domain"
	"github.com/gin-gonic/gin"
)

type signReceiptRequest struct {
	Type              receiptdomain.ReceiptType `json:"type" binding:"required"`
	DateTime          time.Time                 `json:"date_time" binding:"required"`
	TotalAmount       int64                     `json:"total_amount"`
	Currency          string                    `json:"currency" binding:"required"`
	Items             []receiptdomain.Item      `json:"items"`
	VatBreakdown      []receiptdomain.VatBucket `json:"vat_breakdown"`
	PaymentMethod     string                    `json:"payment_method"`
	TrainingMode      bool                      `json:"training_mode"`
	CustomerReference string                    `json:"customer_reference"`
	Notes             string                    `json:"notes"`
}

type receiptResponse struct {
	PublicID            string          `json:"public_id"`
	CashRegisterID      string          `json:"cash_register_id"`
	ReceiptNumber       int64           `json:"receipt_number"`
	ReceiptType         string          `json:"receipt_type"`
	ReceiptTime         time.Time       `json:"receipt_time"`
	TotalAmount         int64           `json:"total_amount"`
	Currency            string          `json:"currency"`
	TrainingMode        bool            `json:"training_mode"`
	Items               json.RawMessage `json:"items"`
	VatBreakdown        json.RawMessage `json:"vat_breakdown"`
	JWS                 string          `json:"jws"`
	CertificateSerial   string          `json:"certificate_serial"`
	Algorithm           string          `json:"algorithm"`
	SignatureCounter    int64           `json:"signature_counter"`
	TurnoverCounter     int64           `json:"turnover_counter"`
	SignedAt            time.Time       `json:"signed_at"`
	QRCode              string          `json:"qr_code"`
	OCRCode             string          `json:"ocr_code"`
	DEPFormat           string          `json:"dep_format"`
	PreviousReceiptHash string          `json:"previous_receipt_hash"`
	ChainHash           string          `json:"chain_hash"`
}

func toReceiptResponse(receipt receiptdomain.SignedReceipt) receiptResponse {
	return receiptResponse{
		PublicID:            receipt.PublicID,
		CashRegisterID:      receipt.CashRegisterID,
		ReceiptNumber:       receipt.ReceiptNumber,
		ReceiptType:         string(receipt.ReceiptType),
		ReceiptTime:         receipt.ReceiptTime.UTC(),
		TotalAmount:         receipt.TotalAmount,
		Currency:            receipt.Currency,
		TrainingMode:        receipt.TrainingMode,
		Items:               json.RawMessage(receipt.Items),
		VatBreakdown:        json.RawMessage(receipt.VatBreakdown),
		JWS:                 receipt.JWS,
		CertificateSerial:   receipt.CertificateSerial,
		Algorithm:           receipt.Algorithm,
		SignatureCounter:    receipt.SignatureCounter,
		TurnoverCounter:     receipt.TurnoverCounter,
		SignedAt:            receipt.SignedAt.UTC(),
		QRCode:              receipt.QRCode,
		OCRCode:             receipt.OCRCode,
		DEPFormat:           receipt.DEPFormat,
		PreviousReceiptHash: receipt.PreviousReceiptHash,
		ChainHash:           receipt.ChainHash,
	}
}

func (s *Server) signReceipt(c *gin.Context) {
	registerID := c.Param("cash_register_id")
	c.Set("cash_register_id", registerID)

	var req signReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.svc.SignReceipt(c.Request.Context(), rksvdomain.SignRequest{
		Data: receiptdomain.ReceiptData{
			CashRegisterID:    registerID,
			DateTime:          req.DateTime,
			Type:              req.Type,
			Items:             req.Items,
			TotalAmount:       req.TotalAmount,
			VatBreakdown:      req.VatBreakdown,
			PaymentMethod:     req.PaymentMethod,
			Currency:          req.Currency,
			TrainingMode:      req.TrainingMode,
			CustomerReference: req.CustomerReference,
			Notes:             req.Notes,
		},
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, toReceiptResponse(result.Receipt))
}

func (s *Server) createNullReceipt(c *gin.Context) {
	registerID := c.Param("cash_register_id")
	c.Set("cash_register_id", registerID)

	result, err := s.svc.CreateNullReceipt(c.Request.Context(), registerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toReceiptResponse(result.Receipt))
}

type closingReceiptRequest struct {
	ClosingType receiptdomain.ReceiptType `json:"closing_type" binding:"required"`
	From        time.Time                 `json:"from" binding:"required"`
	To          time.Time                 `json:"to" binding:"required"`
}

func (s *Server) createClosingReceipt(c *gin.Context) {
	registerID := c.Param("cash_register_id")
	c.Set("cash_register_id", registerID)

	var req closingReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.svc.CreateClosingReceipt(c.Request.Context(), registerID, req.ClosingType, req.From, req.To)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"receipt": toReceiptResponse(result.Receipt),
		"totals": gin.H{
			"receipt_count": result.Totals.ReceiptCount,
			"turnover":      result.Totals.Turnover,
			"vat_breakdown": result.Totals.VatBreakdown,
		},
		"from": result.From.UTC(),
		"to":   result.To.UTC(),
	})
}

func (s *Server) listReceipts(c *gin.Context) {
	registerID := c.Param("cash_register_id")
	c.Set("cash_register_id", registerID)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	receipts, err := s.svc.ListReceipts(c.Request.Context(), registerID, limit, offset)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]receiptResponse, 0, len(receipts))
	for _, receipt := range receipts {
		out = append(out, toReceiptResponse(receipt))
	}
	c.JSON(http.StatusOK, gin.H{"receipts": out})
}

func (s *Server) getReceipt(c *gin.Context) {
	receipt, err := s.svc.GetReceipt(c.Request.Context(), c.Param("public_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReceiptResponse(receipt))
}

func (s *Server) verifyReceipt(c *gin.Context) {
	verdict, err := s.svc.VerifyReceipt(c.Request.Context(), c.Param("public_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (s *Server) verifyChain(c *gin.Context) {
	registerID := c.Param("cash_register_id")
	c.Set("cash_register_id", registerID)

	verdict, err := s.svc.VerifyChain(c.Request.Context(), registerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (s *Server) receiptPDF(c *gin.Context) {
	receipt, err := s.svc.GetReceipt(c.Request.Context(), c.Param("public_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	reader, err := s.pdf.GenerateReceipt(c.Request.Context(), receipt, s.cfg.AppName)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+receipt.PublicID+`.pdf"`)
	c.DataFromReader(http.StatusOK, -1, "application/pdf", reader, nil)
}
