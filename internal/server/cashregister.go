package server

import (
	"context"
	"net/http"
	"strconv"

	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	rksvdomain "github.com/fiskalwerk/rksv/internal/registrierkasse/domain"
	"github.com/gin-gonic/gin"
)

type createCashRegisterRequest struct {
	CashRegisterID string                      `json:"cash_register_id" binding:"required"`
	OrganizationID int64                       `json:"organization_id"`
	TaxNumber      string                      `json:"tax_number" binding:"required"`
	AESKey         string                      `json:"aes_key" binding:"required"`
	Device         registerdomain.DeviceConfig `json:"device"`
}

type cashRegisterResponse struct {
	CashRegisterID     string `json:"cash_register_id"`
	OrganizationID     int64  `json:"organization_id"`
	RegistrationStatus string `json:"registration_status"`
	TaxNumber          string `json:"tax_number"`
	RegisteredAt       string `json:"registered_at"`
}

func toCashRegisterResponse(register registerdomain.CashRegister) cashRegisterResponse {
	return cashRegisterResponse{
		CashRegisterID:     register.CashRegisterID,
		OrganizationID:     int64(register.OrganizationID),
		RegistrationStatus: string(register.RegistrationStatus),
		TaxNumber:          register.TaxNumber,
		RegisteredAt:       register.RegisteredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) createCashRegister(c *gin.Context) {
	var req createCashRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	c.Set("cash_register_id", req.CashRegisterID)

	result, err := s.svc.RegisterCashRegister(c.Request.Context(), rksvdomain.RegisterRequest{
		CashRegisterID: req.CashRegisterID,
		OrganizationID: req.OrganizationID,
		TaxNumber:      req.TaxNumber,
		AESKey:         req.AESKey,
		Device:         req.Device,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"cash_register": toCashRegisterResponse(result.Register),
		"start_receipt": toReceiptResponse(result.StartReceipt),
	})
}

func (s *Server) listCashRegisters(c *gin.Context) {
	registers, err := s.svc.ListRegisters(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	out := make([]cashRegisterResponse, 0, len(registers))
	for _, register := range registers {
		out = append(out, toCashRegisterResponse(register))
	}
	c.JSON(http.StatusOK, gin.H{"cash_registers": out})
}

func (s *Server) getCashRegister(c *gin.Context) {
	registerID := c.Param("cash_register_id")
	c.Set("cash_register_id", registerID)

	register, err := s.svc.GetRegister(c.Request.Context(), registerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCashRegisterResponse(register))
}

func (s *Server) deactivateCashRegister(c *gin.Context) {
	s.changeStatus(c, s.svc.Deactivate)
}

func (s *Server) reactivateCashRegister(c *gin.Context) {
	s.changeStatus(c, s.svc.Reactivate)
}

func (s *Server) deregisterCashRegister(c *gin.Context) {
	s.changeStatus(c, s.svc.Deregister)
}

func (s *Server) changeStatus(c *gin.Context, op func(ctx context.Context, cashRegisterID string) error) {
	registerID := c.Param("cash_register_id")
	c.Set("cash_register_id", registerID)

	if err := op(c.Request.Context(), registerID); err != nil {
		AbortWithError(c, err)
		return
	}
	register, err := s.svc.GetRegister(c.Request.Context(), registerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCashRegisterResponse(register))
}

func (s *Server) listAuditLogs(c *gin.Context) {
	registerID := c.Param("cash_register_id")
	c.Set("cash_register_id", registerID)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.auditSvc.List(c.Request.Context(), registerID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": entries})
}
