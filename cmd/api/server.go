package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chargeflow/auth"
	"chargeflow/dispute"
	"chargeflow/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type ctxKey string

const ctxKeyActor ctxKey = "actor"

// CaseService is the slice of dispute.Service the HTTP surface uses.
type CaseService interface {
	CreateCase(ctx context.Context, p dispute.CreateCaseParams) (dispute.Case, error)
	GetCase(ctx context.Context, id string) (dispute.Case, error)
	ListCases(ctx context.Context, filter dispute.Filter) ([]dispute.Case, error)
	ListDocuments(ctx context.Context, caseID string) ([]dispute.Document, error)
	AttachDocument(ctx context.Context, p dispute.AttachDocumentParams) (dispute.Document, error)
	UploadDocument(ctx context.Context, p dispute.UploadDocumentParams) (dispute.Document, error)
	RequestAdditionalInfo(ctx context.Context, p dispute.RequestInfoParams) (dispute.Case, error)
	ForwardToBank(ctx context.Context, p dispute.ForwardParams) (dispute.Case, error)
	ChangeStatus(ctx context.Context, p dispute.ChangeStatusParams) (dispute.Case, error)
}

// TokenVerifier resolves a bearer token to an actor.
type TokenVerifier interface {
	VerifyToken(token string) (auth.Actor, error)
}

type Server struct {
	disputeService CaseService
	verifier       TokenVerifier
	gatherer       prometheus.Gatherer
	log            *zap.Logger
}

func NewServer(cases CaseService, verifier TokenVerifier, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{disputeService: cases, verifier: verifier, gatherer: gatherer, log: log}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/cases", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/", s.handleListCases)
		r.With(requireMutator).Post("/", s.handleCreateCase)
		r.Route("/{caseID}", func(r chi.Router) {
			r.Get("/", s.handleGetCase)
			r.Get("/documents", s.handleListDocuments)
			r.With(requireMutator).Post("/documents", s.handleAddDocument)
			r.With(requireMutator).Post("/request-info", s.handleRequestInfo)
			r.With(requireMutator).Post("/forward", s.handleForward)
			r.With(requireMutator).Post("/status", s.handleChangeStatus)
		})
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.WithTrace(r.Context(), s.log).Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("authorization", logger.MaskAuthorization(r.Header.Get("Authorization"))))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		actor, err := s.verifier.VerifyToken(header)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	})
}

func requireMutator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(r.Context())
		if !ok || !actor.CanMutate() {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "role may not change cases"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(ctx context.Context) (auth.Actor, bool) {
	actor, ok := ctx.Value(ctxKeyActor).(auth.Actor)
	return actor, ok
}

func partyFor(actor auth.Actor) dispute.Party {
	if actor.Role == auth.RoleBank {
		return dispute.PartyBank
	}
	return dispute.PartyOperator
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: dispute.KindValidation.String()})
		return
	}
	cases, err := s.disputeService.ListCases(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]caseSummaryResponse, 0, len(cases))
	for _, c := range cases {
		items = append(items, toCaseSummary(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func parseFilter(r *http.Request) (dispute.Filter, error) {
	q := r.URL.Query()
	f := dispute.Filter{
		View:        dispute.View(q.Get("view")),
		Status:      dispute.Status(q.Get("status")),
		Channel:     dispute.Channel(strings.ToUpper(q.Get("channel"))),
		CustomerRef: q.Get("customer"),
	}
	var err error
	if v := q.Get("from"); v != "" {
		if f.CreatedFrom, err = time.Parse(time.RFC3339, v); err != nil {
			return dispute.Filter{}, errors.New("from must be RFC3339")
		}
	}
	if v := q.Get("to"); v != "" {
		if f.CreatedTo, err = time.Parse(time.RFC3339, v); err != nil {
			return dispute.Filter{}, errors.New("to must be RFC3339")
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return dispute.Filter{}, errors.New("limit must be an integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return dispute.Filter{}, errors.New("offset must be an integer")
		}
	}
	return f, nil
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.disputeService.CreateCase(r.Context(), dispute.CreateCaseParams{
		CustomerRef:    req.CustomerRef,
		TransactionRef: req.TransactionRef,
		Channel:        dispute.Channel(strings.ToUpper(req.Channel)),
		Amount:         dispute.Money{Currency: strings.ToUpper(req.Amount.Currency), Minor: req.Amount.Minor},
		Reason:         dispute.ReasonCode(req.Reason),
		AdditionalInfo: req.AdditionalInfo,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCaseResponse(c))
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.disputeService.GetCase(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.disputeService.ListDocuments(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		items = append(items, toDocumentResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleAddDocument attaches an already stored locator, or uploads inline
// base64 content first.
func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !decode(w, r, &req) {
		return
	}
	actor, _ := actorFrom(r.Context())
	uploader := req.UploaderRef
	if uploader == "" {
		uploader = actor.ID
	}
	party := dispute.Party(req.Party)
	if party == "" {
		party = partyFor(actor)
	}
	caseID := chi.URLParam(r, "caseID")
	key := r.Header.Get("Idempotency-Key")

	var (
		doc dispute.Document
		err error
	)
	if req.Content != "" {
		content, decodeErr := base64.StdEncoding.DecodeString(req.Content)
		if decodeErr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "content must be base64", Kind: dispute.KindValidation.String()})
			return
		}
		doc, err = s.disputeService.UploadDocument(r.Context(), dispute.UploadDocumentParams{
			CaseID:         caseID,
			Type:           dispute.DocumentType(req.Type),
			Name:           req.Name,
			UploaderRef:    uploader,
			Party:          party,
			Content:        content,
			IdempotencyKey: key,
		})
	} else {
		doc, err = s.disputeService.AttachDocument(r.Context(), dispute.AttachDocumentParams{
			CaseID:         caseID,
			Type:           dispute.DocumentType(req.Type),
			Name:           req.Name,
			UploaderRef:    uploader,
			Party:          party,
			Locator:        req.Locator,
			IdempotencyKey: key,
		})
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentResponse(doc))
}

func (s *Server) handleRequestInfo(w http.ResponseWriter, r *http.Request) {
	var req requestInfoRequest
	if !decode(w, r, &req) {
		return
	}
	actor, _ := actorFrom(r.Context())
	types := make([]dispute.DocumentType, 0, len(req.RequiredTypes))
	for _, t := range req.RequiredTypes {
		types = append(types, dispute.DocumentType(t))
	}
	c, err := s.disputeService.RequestAdditionalInfo(r.Context(), dispute.RequestInfoParams{
		CaseID:         chi.URLParam(r, "caseID"),
		ActorRef:       actor.ID,
		Message:        req.Message,
		RequiredTypes:  types,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if !decode(w, r, &req) {
		return
	}
	actor, _ := actorFrom(r.Context())
	c, err := s.disputeService.ForwardToBank(r.Context(), dispute.ForwardParams{
		CaseID:         chi.URLParam(r, "caseID"),
		ActorRef:       actor.ID,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req changeStatusRequest
	if !decode(w, r, &req) {
		return
	}
	actor, _ := actorFrom(r.Context())
	c, err := s.disputeService.ChangeStatus(r.Context(), dispute.ChangeStatusParams{
		CaseID:         chi.URLParam(r, "caseID"),
		Target:         dispute.Status(strings.ToLower(req.Status)),
		Notes:          req.Notes,
		ActorRef:       actor.ID,
		Party:          partyFor(actor),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error(), Kind: dispute.KindValidation.String()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := dispute.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		logger.WithTrace(r.Context(), s.log).Error("dispute request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
	msg := err.Error()
	if kind == dispute.KindUnknown {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind.String(), Retryable: dispute.Retryable(err)})
}

func statusFor(kind dispute.Kind) int {
	switch kind {
	case dispute.KindValidation:
		return http.StatusBadRequest
	case dispute.KindStateConflict, dispute.KindConcurrencyConflict:
		return http.StatusConflict
	case dispute.KindCollaboratorUnavailable:
		return http.StatusServiceUnavailable
	case dispute.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
