package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kindfi-org/kindfi-sub006/auth"
	"github.com/kindfi-org/kindfi-sub006/dispute"
	"github.com/kindfi-org/kindfi-sub006/escrow"
	"github.com/kindfi-org/kindfi-sub006/fault"
	"github.com/kindfi-org/kindfi-sub006/ledger"
	"github.com/kindfi-org/kindfi-sub006/metrics"
	"github.com/kindfi-org/kindfi-sub006/ratelimit"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

const (
	actionAssignMediator = "assign-mediator"
	actionResolveDispute = "resolve-dispute"
)

type tokenVerifier interface {
	VerifyToken(token string) (string, auth.Role, error)
}

type escrowService interface {
	Initialize(ctx context.Context, actorID string, role auth.Role, req escrow.InitializeRequest) (escrow.Contract, error)
	Get(ctx context.Context, escrowID string) (escrow.Contract, error)
	GetMilestone(ctx context.Context, milestoneID string) (escrow.Milestone, error)
}

type disputeService interface {
	FileDispute(ctx context.Context, req dispute.FileRequest) (dispute.Record, error)
	AssignMediator(ctx context.Context, disputeID, mediatorID, assignerID string, assignerRole auth.Role) (dispute.Record, error)
	ResolveDispute(ctx context.Context, req dispute.ResolveRequest) (dispute.Record, error)
	Get(ctx context.Context, disputeID string) (dispute.Record, error)
	ListByMilestone(ctx context.Context, milestoneID string) ([]dispute.Record, error)
}

type ledgerLookup interface {
	Lookup(ctx context.Context, hash string) (ledger.StatusReport, error)
}

// Server wires the HTTP surface to the settlement services.
type Server struct {
	tokens            tokenVerifier
	escrowService     escrowService
	disputeService    disputeService
	ledger            ledgerLookup
	guard             *ratelimit.Guard
	live              http.Handler
	metrics           *metrics.Registry
	settlementTimeout time.Duration
	logger            *slog.Logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.live != nil {
		r.Method(http.MethodGet, "/api/live", s.live)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/api/escrows", s.handleInitializeEscrow)
		r.Get("/api/escrows/{id}", s.handleGetEscrow)
		r.Get("/api/milestones/{id}", s.handleGetMilestone)
		r.Post("/api/milestones/{id}/disputes", s.handleFileDispute)
		r.Get("/api/milestones/{id}/disputes", s.handleListDisputes)
		r.Get("/api/disputes/{id}", s.handleGetDispute)
		r.With(s.guard.Middleware(actionAssignMediator, actorFromContext, s.writeError)).
			Post("/api/disputes/{id}/mediator", s.handleAssignMediator)
		r.With(s.guard.Middleware(actionResolveDispute, actorFromContext, s.writeError)).
			Post("/api/disputes/{id}/resolution", s.handleResolveDispute)
		r.Get("/api/ledger/transactions/{hash}", s.handleLookupTransaction)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, role, err := s.verify(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) verify(r *http.Request) (string, auth.Role, error) {
	return s.verifyToken(bearerToken(r))
}

func (s *Server) verifyToken(token string) (string, auth.Role, error) {
	if token == "" {
		return "", "", auth.ErrInvalidToken
	}
	return s.tokens.VerifyToken(token)
}

// liveUser authenticates websocket upgrades. Only they may carry the token
// as a query parameter, since browsers cannot set headers on them.
func (s *Server) liveUser(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" && r.Header.Get("Authorization") == "" {
		token = r.URL.Query().Get("access_token")
	}
	userID, _, err := s.verifyToken(token)
	return userID, err
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func actorFromContext(r *http.Request) string {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	return userID
}

func roleFromContext(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func (s *Server) handleInitializeEscrow(w http.ResponseWriter, r *http.Request) {
	var req escrow.InitializeRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.settlementTimeout)
	defer cancel()

	contract, err := s.escrowService.Initialize(ctx, actorFromContext(r), roleFromContext(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contract)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	contract, err := s.escrowService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := s.escrowService.GetMilestone(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	var req dispute.FileRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.MilestoneID = chi.URLParam(r, "id")
	req.InitiatorID = actorFromContext(r)

	rec, err := s.disputeService.FileDispute(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputeService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	recs, err := s.disputeService.ListByMilestone(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []dispute.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type assignMediatorRequest struct {
	MediatorID string `json:"mediator_id"`
}

func (s *Server) handleAssignMediator(w http.ResponseWriter, r *http.Request) {
	var req assignMediatorRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.disputeService.AssignMediator(r.Context(), chi.URLParam(r, "id"), req.MediatorID, actorFromContext(r), roleFromContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleResolveDispute waits for settlement under its own deadline. The
// pipeline keeps its polling ceiling independently of it. The signer defaults
// to the caller; the service refuses any other.
func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req dispute.ResolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.DisputeID = chi.URLParam(r, "id")
	req.MediatorID = actorFromContext(r)
	if req.Signer == "" {
		req.Signer = req.MediatorID
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.settlementTimeout)
	defer cancel()

	rec, err := s.disputeService.ResolveDispute(ctx, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLookupTransaction(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Lookup(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, fault.Validation("api: decode", "invalid request body: %v", err))
		return false
	}
	return true
}

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Hash    string `json:"hash,omitempty"`
	Settled bool   `json:"settled,omitempty"`
	ResetAt string `json:"reset_at,omitempty"`
}

// writeError maps the error taxonomy onto HTTP. Ledger failures get a
// generic body; their detail only goes to the log. A settlement the ledger
// confirmed but the store did not record is answered with 202 so clients
// do not submit it again.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := s.logger.With("method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
	kind := fault.KindOf(err)
	fe, _ := fault.As(err)

	if kind == fault.KindTransaction && fe.Settled {
		log.Error("settled on ledger, record pending", "hash", fe.Hash, "error", err)
		writeJSON(w, http.StatusAccepted, errorResponse{
			Error:   "settled on ledger, record pending; do not resubmit",
			Kind:    kind.String(),
			Hash:    fe.Hash,
			Settled: true,
		})
		return
	}

	switch kind {
	case fault.KindValidation:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fe.Msg, Kind: kind.String()})
	case fault.KindNotFound:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fe.Msg, Kind: kind.String()})
	case fault.KindAuthorization:
		writeJSON(w, http.StatusForbidden, errorResponse{Error: fe.Msg, Kind: kind.String()})
	case fault.KindSimulation, fault.KindTransaction:
		log.Error("settlement failed", "kind", kind.String(), "hash", fe.Hash, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error: "settlement failed, try again",
			Kind:  kind.String(),
			Hash:  fe.Hash,
		})
	case fault.KindTimeout:
		log.Warn("settlement confirmation pending", "hash", fe.Hash, "error", err)
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{
			Error: "confirmation pending, check the transaction status later",
			Kind:  kind.String(),
			Hash:  fe.Hash,
		})
	case fault.KindRateLimited:
		wait := time.Until(fe.ResetAt)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(wait.Seconds())))))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:   "too many attempts",
			Kind:    kind.String(),
			ResetAt: fe.ResetAt.UTC().Format(time.RFC3339),
		})
	default:
		if errors.Is(err, context.Canceled) {
			log.Info("request cancelled", "error", err)
		} else {
			log.Error("request failed", "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
