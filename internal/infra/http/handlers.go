package http

import (
	"net/http"
	"strings"
	"time"

	"signtrust/internal/domain"
	"signtrust/internal/infra/notify"
	"signtrust/internal/usecase"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createTrailRequest struct {
	ResourceID   string `json:"resourceId"`
	ResourceName string `json:"resourceName"`
}

type addRecordRequest struct {
	Action   string               `json:"action"`
	Actor    domain.AuditActor    `json:"actor"`
	Resource domain.AuditResource `json:"resource"`
	Details  map[string]any       `json:"details"`
}

type issueOTPRequest struct {
	ShortID        string `json:"shortId"`
	DeliveryMethod string `json:"deliveryMethod"`
	Recipient      string `json:"recipient"`
	ResourceID     string `json:"resourceId,omitempty"`
	ResourceName   string `json:"resourceName,omitempty"`
}

type issueOTPResponse struct {
	ShortID        string    `json:"shortId"`
	DeliveryMethod string    `json:"deliveryMethod"`
	RecipientHint  string    `json:"recipientHint"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type verifyOTPRequest struct {
	ShortID string `json:"shortId"`
	Code    string `json:"code"`
}

type otpStatusResponse struct {
	ShortID    string     `json:"shortId"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Attempts   int        `json:"attempts"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

type signRequest struct {
	TenantID     string            `json:"tenantId"`
	ResourceID   string            `json:"resourceId"`
	ResourceName string            `json:"resourceName"`
	Content      string            `json:"content"`
	FieldValues  map[string]any    `json:"fieldValues"`
	Signer       domain.SignerInfo `json:"signer"`
	ConsentGiven bool              `json:"consentGiven"`
	RequireOTP   bool              `json:"requireOtp"`
}

type signResponse struct {
	SignatureID  string                `json:"signatureId"`
	DocumentHash string                `json:"documentHash"`
	SealHash     string                `json:"sealHash"`
	Timestamp    domain.TimestampProof `json:"timestamp"`
	CreatedAt    time.Time             `json:"createdAt"`
}

func (s *Server) handleCreateTrail(c *gin.Context) {
	var req createTrailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	trail, err := s.trails.Create(c.Request.Context(), req.ResourceID, req.ResourceName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trail)
}

func (s *Server) handleAddRecord(c *gin.Context) {
	var req addRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	resourceID := c.Param("resource_id")
	if req.Resource.ID == "" {
		req.Resource.ID = resourceID
	}
	record, err := s.trails.AddRecord(c.Request.Context(), resourceID, domain.AppendInput{
		Action:   req.Action,
		Actor:    req.Actor,
		Resource: req.Resource,
		Details:  req.Details,
		Metadata: requestContext(c).Metadata(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) handleSealTrail(c *gin.Context) {
	resourceID := c.Param("resource_id")
	sealHash, err := s.trails.Seal(c.Request.Context(), resourceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resourceId": resourceID, "sealHash": sealHash})
}

func (s *Server) handleVerifyTrail(c *gin.Context) {
	verification, err := s.trails.VerifyIntegrity(c.Request.Context(), c.Param("resource_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	verification.Trail = nil
	c.JSON(http.StatusOK, verification)
}

func (s *Server) handleExportTrail(c *gin.Context) {
	export, err := s.trails.Export(c.Request.Context(), c.Param("resource_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, export)
}

func (s *Server) handleIssueOTP(c *gin.Context) {
	var req issueOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	ctx := c.Request.Context()
	record, err := s.otp.Issue(ctx, req.ShortID, domain.DeliveryMethod(strings.ToLower(req.DeliveryMethod)), req.Recipient)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.ResourceID != "" && s.emitter != nil && s.trails != nil {
		if err := s.recordOTPSent(c, req, record); err != nil {
			// delivery already succeeded
			s.logger.Warn("otp_sent audit record failed",
				zap.String("short_id", record.ShortID),
				zap.String("resource_id", req.ResourceID),
				zap.Error(err),
			)
		}
	}
	c.JSON(http.StatusCreated, issueOTPResponse{
		ShortID:        record.ShortID,
		DeliveryMethod: string(record.DeliveryMethod),
		RecipientHint:  notify.Mask(record.Recipient),
		ExpiresAt:      record.ExpiresAt,
	})
}

func (s *Server) handleVerifyOTP(c *gin.Context) {
	var req verifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	record, err := s.otp.Verify(c.Request.Context(), req.ShortID, strings.TrimSpace(req.Code))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"shortId":    record.ShortID,
		"verified":   true,
		"verifiedAt": record.VerifiedAt,
	})
}

func (s *Server) handleOTPStatus(c *gin.Context) {
	shortID := c.Param("short_id")
	status, record, err := s.otp.Status(c.Request.Context(), shortID)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := otpStatusResponse{ShortID: shortID, Status: string(status)}
	if record != nil {
		expires := record.ExpiresAt
		resp.ExpiresAt = &expires
		resp.Attempts = record.Attempts
		resp.VerifiedAt = record.VerifiedAt
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		req.TenantID = c.GetHeader("X-Tenant-ID")
	}
	result, err := s.signing.Sign(c.Request.Context(), usecase.SignRequest{
		TenantID:     req.TenantID,
		ResourceID:   req.ResourceID,
		ResourceName: req.ResourceName,
		Content:      req.Content,
		FieldValues:  req.FieldValues,
		Signer:       req.Signer,
		ConsentGiven: req.ConsentGiven,
		RequireOTP:   req.RequireOTP,
		Request:      requestContext(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, signResponse{
		SignatureID:  result.Evidence.SignatureID,
		DocumentHash: result.Evidence.DocumentHash,
		SealHash:     result.SealHash,
		Timestamp:    result.Evidence.Timestamp,
		CreatedAt:    result.Evidence.CreatedAt,
	})
}

func (s *Server) handleIntegrity(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		tenantID = c.GetHeader("X-Tenant-ID")
	}
	if tenantID == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_INPUT", "tenant_id is required")
		return
	}
	report, err := s.verifier.VerifySignature(c.Request.Context(), tenantID, c.Param("signature_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) recordOTPSent(c *gin.Context, req issueOTPRequest, record domain.OTPRecord) error {
	ctx := c.Request.Context()
	if _, err := s.trails.Create(ctx, req.ResourceID, req.ResourceName); err != nil {
		return err
	}
	resource := domain.AuditResource{Type: "document", ID: req.ResourceID, Name: req.ResourceName}
	return s.emitter.EmitOTPSent(ctx, resource, record, requestContext(c))
}

func requestContext(c *gin.Context) usecase.RequestContext {
	return usecase.RequestContext{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
