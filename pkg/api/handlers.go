package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/certnode/core/pkg/envelope"
	"github.com/certnode/core/pkg/graph"
	"github.com/certnode/core/pkg/integrations"
	"github.com/certnode/core/pkg/keys"
	"github.com/certnode/core/pkg/observability"
	"github.com/certnode/core/pkg/receipt"
)

// ReceiptMetrics counts minted receipts. *observability.Provider satisfies
// it; a nil value disables counting.
type ReceiptMetrics interface {
	RecordReceiptCreated(ctx context.Context, tenantID, receiptType string)
}

// Server hosts the receipt engine over HTTP.
type Server struct {
	engine    *graph.Engine
	ingestion *integrations.Service
	metrics   ReceiptMetrics
	logger    *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(engine *graph.Engine, ingestion *integrations.Service, metrics ReceiptMetrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, ingestion: ingestion, metrics: metrics, logger: logger}
}

func (s *Server) recordReceipt(ctx context.Context, tenantID string, rType receipt.Type) {
	if s.metrics != nil {
		s.metrics.RecordReceiptCreated(ctx, tenantID, string(rType))
	}
}

// Routes builds the router. Middleware is layered by the caller.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/receipts", s.handleCreateReceipt)
	mux.HandleFunc("POST /v1/receipts/batch", s.handleCreateBatch)
	mux.HandleFunc("GET /v1/receipts/{id}", s.handleGetReceipt)
	mux.HandleFunc("GET /v1/receipts/{id}/graph", s.handleTraverse)
	mux.HandleFunc("GET /v1/receipts/{id}/completeness", s.handleCompleteness)
	mux.HandleFunc("GET /v1/receipts/paths", s.handleFindPaths)
	mux.HandleFunc("GET /v1/analytics", s.handleAnalytics)
	mux.HandleFunc("POST /v1/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/integrations/{provider}/events", s.handleIntegrationEvent)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createReceiptRequest struct {
	Type           receipt.Type         `json:"type"`
	Payload        any                  `json:"payload"`
	ParentReceipts []receipt.ParentLink `json:"parent_receipts,omitempty"`
}

func (s *Server) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	var req createReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	tenant := TenantFrom(r.Context())
	created, err := s.engine.CreateReceipt(r.Context(), tenant, req.Type, req.Payload, req.ParentReceipts)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		observability.AttrTenantID.String(tenant),
		observability.AttrReceiptID.String(created.ID),
		observability.AttrReceiptType.String(string(created.Type)),
	)
	s.recordReceipt(r.Context(), tenant, created.Type)
	s.logger.Info("receipt created",
		"tenant_id", tenant,
		"receipt_id", created.ID,
		"type", created.Type,
		"graph_depth", created.GraphDepth,
	)
	writeJSON(w, http.StatusCreated, created)
}

type createBatchRequest struct {
	Receipts    []graph.CreateRequest `json:"receipts"`
	StopOnError bool                  `json:"stop_on_error,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.Receipts) == 0 {
		WriteBadRequest(w, "receipts must not be empty")
		return
	}

	tier := TierFrom(r.Context())
	if max := tier.Limits.MaxBatchSize; max > 0 && len(req.Receipts) > max {
		WriteBadRequest(w, "batch exceeds tier limit of "+strconv.Itoa(max)+" receipts")
		return
	}

	tenant := TenantFrom(r.Context())
	result := s.engine.CreateBatch(r.Context(), tenant, req.Receipts, graph.BatchOptions{
		StopOnError: req.StopOnError,
	})
	for _, item := range result.Items {
		if item.Receipt != nil {
			s.recordReceipt(r.Context(), tenant, item.Receipt.Type)
		}
	}
	status := http.StatusCreated
	if result.Failed > 0 {
		status = http.StatusMultiStatus
	}
	s.logger.Info("batch processed",
		"tenant_id", tenant,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)
	writeJSON(w, status, result)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	created, err := s.engine.GetReceipt(r.Context(), TenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleTraverse(w http.ResponseWriter, r *http.Request) {
	dir := graph.Direction(r.URL.Query().Get("direction"))
	if dir == "" {
		dir = graph.DirectionBoth
	}

	tier := TierFrom(r.Context())
	trace.SpanFromContext(r.Context()).SetAttributes(
		observability.AttrTier.String(tier.Name),
	)
	view, err := s.engine.Traverse(r.Context(), TenantFrom(r.Context()), r.PathValue("id"), tier, dir)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCompleteness(w http.ResponseWriter, r *http.Request) {
	score, err := s.engine.CalculateCompleteness(r.Context(), TenantFrom(r.Context()), r.PathValue("id"), TierFrom(r.Context()))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleFindPaths(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		WriteBadRequest(w, "from and to query parameters are required")
		return
	}

	maxPaths := TierFrom(r.Context()).Limits.MaxPathResults
	if raw := q.Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, "max must be a positive integer")
			return
		}
		if n < maxPaths {
			maxPaths = n
		}
	}

	paths, err := s.engine.FindPaths(r.Context(), TenantFrom(r.Context()), from, to, maxPaths)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths, "count": len(paths)})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	validate := r.URL.Query().Get("validate") == "true"
	summary, err := s.engine.Analytics(r.Context(), TenantFrom(r.Context()), validate)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type verifyRequest struct {
	Receipt *receipt.Receipt `json:"receipt"`
	JWKS    *keys.JWKS       `json:"jwks"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Receipt == nil || req.JWKS == nil {
		WriteBadRequest(w, "receipt and jwks are required")
		return
	}

	// Verification failures are a 200 with ok=false: the request itself
	// succeeded, the receipt just does not check out.
	writeJSON(w, http.StatusOK, envelope.Verify(req.Receipt, req.JWKS))
}

func (s *Server) handleIntegrationEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteBadRequest(w, "unreadable request body")
		return
	}

	provider := r.PathValue("provider")
	tenant := TenantFrom(r.Context())
	trace.SpanFromContext(r.Context()).SetAttributes(
		observability.AttrProvider.String(provider),
	)
	result, err := s.ingestion.HandleEvent(r.Context(), tenant, provider, r.Header.Get("X-Event-Type"), body)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Deduped {
		status = http.StatusOK
	}
	s.logger.Info("integration event processed",
		"tenant_id", tenant,
		"provider", provider,
		"deduped", result.Deduped,
		"receipts", len(result.ReceiptIDs),
	)
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
