package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	nodeCallTimeout      = 15 * time.Second
)

// Server is the HTTP front-end for settlement interactions.
type Server struct {
	authenticator *Authenticator
	node          NodeClient
	store         *SQLiteStore
	queue         *WebhookQueue
	router        chi.Router
	nowFn         func() time.Time

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewServer(auth *Authenticator, node NodeClient, store *SQLiteStore, queue *WebhookQueue, rps float64, burst int) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	s := &Server{
		authenticator: auth,
		node:          node,
		store:         store,
		queue:         queue,
		nowFn:         time.Now,
		limiters:      make(map[string]*rate.Limiter),
		rps:           rate.Limit(rps),
		burst:         burst,
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Post("/pay", s.handleCreate)
	r.Get("/pay", s.handleList)
	r.Get("/pay/{id}", s.handleGet)
	r.Post("/pay/{id}/proof", s.handleSubmitProof)
	r.Post("/pay/{id}/approve", s.transitionHandler("pay.approved", func(ctx context.Context, id uint64, caller string) (*PayRecord, error) {
		return s.node.PayApprove(ctx, id, caller)
	}))
	r.Post("/pay/{id}/reject", s.transitionHandler("pay.rejected", func(ctx context.Context, id uint64, caller string) (*PayRecord, error) {
		return s.node.PayReject(ctx, id, caller)
	}))
	r.Post("/pay/{id}/cancel", s.transitionHandler("pay.cancelled", func(ctx context.Context, id uint64, caller string) (*PayRecord, error) {
		return s.node.PayCancel(ctx, id, caller)
	}))
	r.Post("/pay/{id}/dispute", s.handleDispute)
	r.Post("/pay/{id}/resolve", s.handleResolve)
	r.Get("/stats", s.handleStats)
	r.Post("/webhooks", s.handleWebhookRegister)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// authorize runs body capture, signature verification, and per-key rate
// limiting for a mutating request. A nil principal means the response has
// already been written.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (*Principal, []byte, bool) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, nil, false
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), nil, r, body, http.StatusUnauthorized, errBody(err))
		return nil, nil, false
	}
	if !s.limiter(principal.APIKey).Allow() {
		err := errors.New("rate limit exceeded")
		s.writeError(w, http.StatusTooManyRequests, err)
		s.audit(r.Context(), principal, r, body, http.StatusTooManyRequests, errBody(err))
		return nil, nil, false
	}
	return principal, body, true
}

func (s *Server) limiter(apiKey string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	lim, ok := s.limiters[apiKey]
	if !ok {
		lim = rate.NewLimiter(s.rps, s.burst)
		s.limiters[apiKey] = lim
	}
	return lim
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	principal, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		err := errors.New("missing Idempotency-Key header")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	requestHash := hashRequest(r.Method, canonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r.Context(), principal, r, body, status, errBody(cacheErr))
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return
	}

	var req PayCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		err = fmt.Errorf("invalid JSON payload: %w", err)
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	if err := validatePayCreate(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	created, err := s.node.PayCreate(ctx, req)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadGateway, errBody(err))
		return
	}

	payload, err := json.Marshal(created)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errBody(err))
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, http.StatusCreated, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errBody(err))
		return
	}

	s.enqueueEvent("pay.created", created)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, http.StatusCreated, payload)
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) transitionHandler(eventType string, call func(ctx context.Context, id uint64, caller string) (*PayRecord, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, body, ok := s.authorize(w, r)
		if !ok {
			return
		}
		id, err := pathRecordID(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
			return
		}
		var req callerRequest
		if err := json.Unmarshal(body, &req); err != nil {
			err = fmt.Errorf("invalid JSON payload: %w", err)
			s.writeError(w, http.StatusBadRequest, err)
			s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
			return
		}
		if strings.TrimSpace(req.Caller) == "" {
			err := errors.New("caller is required")
			s.writeError(w, http.StatusBadRequest, err)
			s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
		defer cancel()
		record, err := call(ctx, id, req.Caller)
		if err != nil {
			s.writeError(w, http.StatusBadGateway, err)
			s.audit(r.Context(), principal, r, body, http.StatusBadGateway, errBody(err))
			return
		}
		s.enqueueEvent(eventType, record)
		s.writeRecord(w, r, principal, body, record)
	}
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	principal, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	id, err := pathRecordID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	var req struct {
		Caller   string `json:"caller"`
		Evidence string `json:"evidence"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		err = fmt.Errorf("invalid JSON payload: %w", err)
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	if strings.TrimSpace(req.Caller) == "" || strings.TrimSpace(req.Evidence) == "" {
		err := errors.New("caller and evidence are required")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	record, err := s.node.PaySubmitProof(ctx, id, req.Caller, req.Evidence)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadGateway, errBody(err))
		return
	}
	s.enqueueEvent("pay.proof_submitted", record)
	s.writeRecord(w, r, principal, body, record)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	principal, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	id, err := pathRecordID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	var req struct {
		Caller string `json:"caller"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		err = fmt.Errorf("invalid JSON payload: %w", err)
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	if strings.TrimSpace(req.Caller) == "" || strings.TrimSpace(req.Reason) == "" {
		err := errors.New("caller and reason are required")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	record, err := s.node.PayDispute(ctx, id, req.Caller, req.Reason)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadGateway, errBody(err))
		return
	}
	s.enqueueEvent("pay.disputed", record)
	s.writeRecord(w, r, principal, body, record)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	principal, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	id, err := pathRecordID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	var req struct {
		Caller  string `json:"caller"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		err = fmt.Errorf("invalid JSON payload: %w", err)
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	if strings.TrimSpace(req.Caller) == "" || strings.TrimSpace(req.Outcome) == "" {
		err := errors.New("caller and outcome are required")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	record, err := s.node.PayResolve(ctx, id, req.Caller, req.Outcome)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadGateway, errBody(err))
		return
	}
	s.enqueueEvent("pay.resolved", record)
	s.writeRecord(w, r, principal, body, record)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathRecordID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	record, err := s.node.PayGet(ctx, id)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	participant := strings.TrimSpace(r.URL.Query().Get("participant"))
	if participant == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("participant query parameter required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	records, err := s.node.PayListFor(ctx, participant)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	if records == nil {
		records = []PayRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	stats, err := s.node.PayStats(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	principal, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req struct {
		EventType string `json:"eventType"`
		URL       string `json:"url"`
		Secret    string `json:"secret"`
		RateLimit int    `json:"rateLimit"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		err = fmt.Errorf("invalid JSON payload: %w", err)
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	if strings.TrimSpace(req.EventType) == "" || strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Secret) == "" {
		err := errors.New("eventType, url, and secret are required")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errBody(err))
		return
	}
	sub := WebhookSubscription{
		APIKey:    principal.APIKey,
		EventType: strings.TrimSpace(req.EventType),
		URL:       strings.TrimSpace(req.URL),
		Secret:    strings.TrimSpace(req.Secret),
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	}
	id, err := s.store.InsertWebhook(r.Context(), sub)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errBody(err))
		return
	}
	sub.ID = id
	payload, _ := json.Marshal(sub)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, http.StatusCreated, payload)
}

func (s *Server) enqueueEvent(eventType string, record *PayRecord) {
	if record == nil {
		return
	}
	s.queue.Enqueue(WebhookEvent{
		ID:       uuid.NewString(),
		Type:     eventType,
		RecordID: record.ID,
		Attributes: map[string]string{
			"status": record.Status,
			"payer":  record.Payer,
			"payee":  record.Payee,
			"denom":  record.Denom,
			"amount": record.Amount,
		},
		CreatedAt: s.nowFn(),
	})
}

func (s *Server) writeRecord(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte, record *PayRecord) {
	payload, err := json.Marshal(record)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errBody(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, http.StatusOK, payload)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errBody(err))
}

func (s *Server) audit(ctx context.Context, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	_ = s.store.InsertAuditLog(ctx, AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	})
}

func errBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func pathRecordID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid record id")
	}
	return id, nil
}

func validatePayCreate(req PayCreateRequest) error {
	if strings.TrimSpace(req.Payer) == "" {
		return errors.New("payer is required")
	}
	if strings.TrimSpace(req.Payee) == "" {
		return errors.New("payee is required")
	}
	if strings.TrimSpace(req.Denom) == "" {
		return errors.New("denom is required")
	}
	if strings.TrimSpace(req.Amount) == "" {
		return errors.New("amount is required")
	}
	if strings.TrimSpace(req.Policy) == "" {
		return errors.New("policy is required")
	}
	return nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
