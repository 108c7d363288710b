package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/verseforge/creditcore/pkg/credit"
	"go.uber.org/zap"
)

func (server *Server) handleBalance(ctx *gin.Context) {
	caller, _ := currentPrincipal(ctx)
	balance, err := server.deps.Ledger.Balance(ctx.Request.Context(), caller.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload(balance))
}

type validateRequest struct {
	Amount int64 `json:"amount"`
}

func (server *Server) handleValidate(ctx *gin.Context) {
	caller, _ := currentPrincipal(ctx)
	var request validateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	check, err := server.deps.Ledger.ValidateCredits(ctx.Request.Context(), caller.UserID, request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	response := gin.H{
		"has_credits":     check.HasCredits,
		"current_balance": check.CurrentBalance,
		"shortfall":       check.Shortfall,
		"initialized":     check.Initialized,
	}
	if !check.Initialized {
		response["code"] = "user_credits_not_initialized"
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleHistory(ctx *gin.Context) {
	caller, _ := currentPrincipal(ctx)
	limit := intQuery(ctx, "limit", 0)
	offset := intQuery(ctx, "offset", 0)
	page, err := server.deps.Ledger.TransactionHistory(ctx.Request.Context(), caller.UserID, limit, offset)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	transactions := make([]gin.H, 0, len(page.Transactions))
	for _, txn := range page.Transactions {
		transactions = append(transactions, transactionPayload(txn))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"total":        page.Total,
		"has_more":     page.HasMore,
	})
}

func (server *Server) handleUsage(ctx *gin.Context) {
	caller, _ := currentPrincipal(ctx)
	snapshot, err := server.deps.Usage.CurrentUsage(ctx.Request.Context(), caller.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"songs_generated":    snapshot.Songs,
		"lyrics_generated":   snapshot.Lyrics,
		"insights_generated": snapshot.Insights,
		"reset_at_unix_utc":  snapshot.ResetAtUnixUTC,
	})
}

type quotaCheckRequest struct {
	Feature    string `json:"feature"`
	CreditCost *int64 `json:"credit_cost"`
}

func (server *Server) handleQuotaCheck(ctx *gin.Context) {
	caller, _ := currentPrincipal(ctx)
	var request quotaCheckRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	feature, err := credit.ParseFeature(request.Feature)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	decision, err := server.deps.Arbiter.CheckQuota(ctx.Request.Context(), caller.UserID, feature, credit.CheckOptions{
		Role:               caller.Role,
		CreditCostOverride: request.CreditCost,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, decisionPayload(decision))
}

func (server *Server) handleEligibility(ctx *gin.Context) {
	caller, _ := currentPrincipal(ctx)
	feature, err := credit.ParseFeature(ctx.Param("feature"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	status, err := server.deps.Arbiter.CheckUsageEligibility(ctx.Request.Context(), caller.UserID, feature)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"allowed":           status.Allowed,
		"current":           status.Current,
		"limit":             status.Limit,
		"unlimited":         status.Unlimited,
		"reset_at_unix_utc": status.ResetAtUnixUTC,
	})
}

type chargeRequest struct {
	Feature     string         `json:"feature"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

// handleCharge is the full gated-action flow: arbitrate, debit through the
// reservation saga, and count the usage. A failed usage increment rolls the
// debit back automatically.
func (server *Server) handleCharge(ctx *gin.Context) {
	caller, _ := currentPrincipal(ctx)
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	feature, err := credit.ParseFeature(request.Feature)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx := ctx.Request.Context()
	decision, err := server.deps.Arbiter.CheckQuota(requestCtx, caller.UserID, feature, credit.CheckOptions{Role: caller.Role})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if !decision.Allowed {
		ctx.JSON(deniedStatus(decision.Code), decisionPayload(decision))
		return
	}

	metadata := marshalMetadata(request.Metadata, feature)
	recordUsage := func(actionCtx context.Context) error {
		return server.deps.Usage.RecordUsage(actionCtx, caller.UserID, feature)
	}

	cost := decision.Credits.Required
	if cost <= 0 {
		if err := server.deps.Usage.RecordUsage(requestCtx, caller.UserID, feature); err != nil {
			server.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"decision": decisionPayload(decision)})
		return
	}
	transactionID, err := server.deps.Ledger.Charge(requestCtx, caller.UserID, cost, request.Description, metadata, recordUsage)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": transactionID,
		"decision":       decisionPayload(decision),
	})
}

type reserveRequest struct {
	Amount      int64          `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (server *Server) handleReserve(ctx *gin.Context) {
	caller, _ := currentPrincipal(ctx)
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := server.deps.Ledger.Reserve(ctx.Request.Context(), caller.UserID, request.Amount, request.Description, marshalMetadata(request.Metadata, ""))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if !result.Reserved {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"reserved":        false,
			"current_balance": result.CurrentBalance,
			"shortfall":       result.Shortfall,
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reserved":        true,
		"transaction_id":  result.TransactionID,
		"current_balance": result.CurrentBalance,
	})
}

func (server *Server) handleCommit(ctx *gin.Context) {
	if err := server.deps.Ledger.Commit(ctx.Request.Context(), ctx.Param("id")); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "completed"})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (server *Server) handleCancel(ctx *gin.Context) {
	var request cancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		request.Reason = ""
	}
	if err := server.deps.Ledger.Cancel(ctx.Request.Context(), ctx.Param("id"), request.Reason); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type refundRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (server *Server) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	txn, err := server.deps.Ledger.Refund(ctx.Request.Context(), request.UserID, request.Amount, request.Description, marshalMetadata(request.Metadata, ""))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayload(txn)})
}

func (server *Server) handleReconcile(ctx *gin.Context) {
	if server.deps.Reconciler == nil {
		ctx.JSON(http.StatusNotImplemented, errorResponse("unavailable", "reconciler not configured"))
		return
	}
	report, err := server.deps.Reconciler.SweepOnce(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"scanned":            report.Scanned,
		"cancelled":          report.Cancelled,
		"already_resolved":   report.Resolved,
		"flagged_for_review": report.Flagged,
	})
}

func (server *Server) handleReview(ctx *gin.Context) {
	if err := server.deps.Store.MarkForReview(ctx.Request.Context(), ctx.Param("id")); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "flagged"})
}

type setTierRequest struct {
	Tier string `json:"tier"`
}

func (server *Server) handleSetTier(ctx *gin.Context) {
	if server.deps.Directory == nil {
		ctx.JSON(http.StatusNotImplemented, errorResponse("unavailable", "subscription directory not configured"))
		return
	}
	var request setTierRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Tier == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "tier is required"))
		return
	}
	userID, err := credit.NormalizeUserID(ctx.Param("userID"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if err := server.deps.Directory.SetTier(ctx.Request.Context(), userID, credit.TierID(request.Tier)); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	var insufficient credit.InsufficientCreditsError
	switch {
	case errors.Is(err, credit.ErrUserIDRequired),
		errors.Is(err, credit.ErrInvalidFeature),
		errors.Is(err, credit.ErrInvalidAmount),
		errors.Is(err, credit.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":            "insufficient_credits",
				"message":         err.Error(),
				"shortfall":       insufficient.Shortfall,
				"current_balance": insufficient.CurrentBalance,
			},
		})
	case errors.Is(err, credit.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", err.Error()))
	case errors.Is(err, credit.ErrSubscriptionLimitExceeded):
		ctx.JSON(http.StatusTooManyRequests, errorResponse("subscription_limit_exceeded", err.Error()))
	case errors.Is(err, credit.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("transaction_not_found", err.Error()))
	case errors.Is(err, credit.ErrInvalidTransactionState):
		ctx.JSON(http.StatusConflict, errorResponse("invalid_transaction_state", err.Error()))
	case errors.Is(err, credit.ErrUpstreamUnavailable):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("upstream_unavailable", err.Error()))
	default:
		server.deps.Logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
	}
}

func deniedStatus(code credit.DecisionCode) int {
	if code == credit.DecisionSubscriptionLimitExceeded {
		return http.StatusTooManyRequests
	}
	return http.StatusPaymentRequired
}

func decisionPayload(decision credit.Decision) gin.H {
	return gin.H{
		"allowed": decision.Allowed,
		"code":    string(decision.Code),
		"usage": gin.H{
			"current":           decision.Usage.Current,
			"limit":             decision.Usage.Limit,
			"unlimited":         decision.Usage.Unlimited,
			"reset_at_unix_utc": decision.Usage.ResetAtUnixUTC,
		},
		"credits": gin.H{
			"required":  decision.Credits.Required,
			"balance":   decision.Credits.Balance,
			"shortfall": decision.Credits.Shortfall,
		},
	}
}

func balancePayload(balance credit.Balance) gin.H {
	return gin.H{
		"user_id":         balance.UserID,
		"current_balance": balance.CurrentBalance,
		"total_spent":     balance.TotalSpent,
	}
}

func transactionPayload(txn credit.Transaction) gin.H {
	return gin.H{
		"id":                txn.ID,
		"user_id":           txn.UserID,
		"amount":            txn.Amount,
		"kind":              string(txn.Kind),
		"status":            string(txn.Status),
		"description":       txn.Description,
		"metadata":          json.RawMessage(txn.MetadataJSON),
		"reason":            txn.Reason,
		"created_unix_utc":  txn.CreatedUnixUTC,
		"resolved_unix_utc": txn.ResolvedUnixUTC,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func marshalMetadata(metadata map[string]any, feature credit.Feature) string {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if feature != "" {
		metadata["feature"] = feature.String()
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func intQuery(ctx *gin.Context, name string, fallback int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
