package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attestation-ledger/encryption"
	"attestation-ledger/models"
	"attestation-ledger/service"
)

const maxBodySize = 16 << 20

// Server exposes the attestation service over HTTP. Reads go straight to the
// service; mutations go through the queue so they are applied one at a time.
type Server struct {
	svc            *service.AttestationService
	queue          *service.QueueProcessor
	gatherer       prometheus.Gatherer
	log            *zap.Logger
	requestTimeout time.Duration
}

type RegisterUserRequest struct {
	Username string `json:"username"`
}

type SubmitAttestationRequest struct {
	PrivateKey string `json:"privateKey"`
	service.AttestationRequest
}

type RevealRequest struct {
	QuestionID string   `json:"questionId"`
	Answer     string   `json:"answer,omitempty"`
	Score      *float64 `json:"score,omitempty"`
}

type SyncExportRequest struct {
	Since int64 `json:"since"`
}

type ScanRequest struct {
	Record string `json:"record"`
}

type ClearViolationsRequest struct {
	Pubkey     string `json:"pubkey"`
	QuestionID string `json:"questionId"`
}

type ChainResponse struct {
	Blocks   []*models.Block `json:"blocks"`
	Length   int             `json:"length"`
	LastHash string          `json:"lastHash"`
}

type ValidationResponse struct {
	IsValid bool   `json:"isValid"`
	Error   string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(svc *service.AttestationService, queue *service.QueueProcessor, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		svc:            svc,
		queue:          queue,
		gatherer:       gatherer,
		log:            log,
		requestTimeout: 30 * time.Second,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	// Identities and attestations
	router.HandleFunc("/api/users", s.handleRegisterUser).Methods(http.MethodPost)
	router.HandleFunc("/api/profile", s.handleGetProfile).Methods(http.MethodGet)
	router.HandleFunc("/api/attestations", s.handleSubmitAttestation).Methods(http.MethodPost)
	router.HandleFunc("/api/reveals", s.handleReveal).Methods(http.MethodPost)
	router.HandleFunc("/api/ratelimit", s.handleTimeUntilNext).Methods(http.MethodGet)

	// Consensus
	router.HandleFunc("/api/questions", s.handleGetQuestions).Methods(http.MethodGet)
	router.HandleFunc("/api/questions/{id}", s.handleGetQuestion).Methods(http.MethodGet)
	router.HandleFunc("/api/reputation", s.handleGetReputation).Methods(http.MethodGet)
	router.HandleFunc("/api/stats", s.handleGetStats).Methods(http.MethodGet)

	// Chain
	router.HandleFunc("/api/chain", s.handleGetChain).Methods(http.MethodGet)
	router.HandleFunc("/api/chain/validate", s.handleValidateChain).Methods(http.MethodGet)

	// Sync
	router.HandleFunc("/api/sync/export", s.handleSyncExport).Methods(http.MethodPost)
	router.HandleFunc("/api/sync/scan", s.handleSyncScan).Methods(http.MethodPost)
	router.HandleFunc("/api/sync/file", s.handleExportFile).Methods(http.MethodGet)
	router.HandleFunc("/api/sync/import", s.handleImportFile).Methods(http.MethodPost)

	// Admin
	router.HandleFunc("/api/admin/violations/clear", s.handleClearViolations).Methods(http.MethodPost)
	router.HandleFunc("/api/admin/reset", s.handleResetChain).Methods(http.MethodPost)

	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrExhausted):
		return http.StatusForbidden
	case errors.Is(err, models.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, models.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrFormat):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrQueueStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", models.ErrFormat, err)
	}
	return nil
}

// await waits for a queued mutation and writes its error, if any. It
// reports whether the caller should write a success response.
func (s *Server) await(w http.ResponseWriter, r *http.Request, ch <-chan *service.ProcessingResult) (*service.ProcessingResult, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	res, err := service.Await(ctx, ch)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return res, true
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	res, ok := s.await(w, r, s.queue.QueueRegistration(req.Username))
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, res.Value)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile := s.svc.Profile()
	if profile == nil {
		s.writeError(w, fmt.Errorf("profile: %w", service.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*models.Profile
		DeviceID     string `json:"deviceId"`
		DevicePubkey string `json:"devicePubkey"`
	}{profile, s.svc.DeviceID(), s.svc.DevicePubkey()})
}

func (s *Server) handleSubmitAttestation(w http.ResponseWriter, r *http.Request) {
	var req SubmitAttestationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	privateKey, err := encryption.ParsePrivateKey(req.PrivateKey)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid private key", models.ErrValidation))
		return
	}

	res, ok := s.await(w, r, s.queue.QueueAttestation(privateKey, req.AttestationRequest))
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, res.Value)
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req RevealRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	res, ok := s.await(w, r, s.queue.QueueReveal(req.QuestionID, req.Answer, req.Score))
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, res.Value)
}

func (s *Server) handleTimeUntilNext(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("pubkey")
	questionID := r.URL.Query().Get("questionId")
	if pubkey == "" || questionID == "" {
		s.writeError(w, fmt.Errorf("%w: pubkey and questionId are required", models.ErrValidation))
		return
	}

	wait := s.svc.TimeUntilNext(pubkey, questionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"canAttest":     s.svc.CanAttest(pubkey, questionID),
		"timeUntilNext": wait.String(),
		"waitMillis":    wait.Milliseconds(),
		"pubkey":        pubkey,
		"questionId":    questionID,
	})
}

func (s *Server) handleGetQuestions(w http.ResponseWriter, r *http.Request) {
	if top := r.URL.Query().Get("top"); top != "" {
		n, err := strconv.Atoi(top)
		if err != nil || n <= 0 {
			s.writeError(w, fmt.Errorf("%w: top must be a positive integer", models.ErrValidation))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"questions": s.svc.TopQuestions(n)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"questions": s.svc.Questions()})
}

func (s *Server) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Consensus(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	scores := s.svc.Reputation()
	if pubkey := r.URL.Query().Get("pubkey"); pubkey != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"pubkey": pubkey, "score": scores[pubkey]})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scores": scores})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Statistics())
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	blocks := s.svc.Chain()
	writeJSON(w, http.StatusOK, ChainResponse{
		Blocks:   blocks,
		Length:   len(blocks),
		LastHash: blocks[len(blocks)-1].Hash,
	})
}

func (s *Server) handleValidateChain(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ValidateChain(); err != nil {
		writeJSON(w, http.StatusOK, ValidationResponse{IsValid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ValidationResponse{IsValid: true})
}

func (s *Server) handleSyncExport(w http.ResponseWriter, r *http.Request) {
	var req SyncExportRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}

	pkg, err := s.svc.PrepareSync(req.Since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleSyncScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	res, ok := s.await(w, r, s.queue.QueueScan(req.Record))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res.Value)
}

func (s *Server) handleExportFile(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: since must be a unix millisecond timestamp", models.ErrValidation))
			return
		}
		since = n
	}
	full := r.URL.Query().Get("full") == "true"

	data, err := s.svc.ExportFile(since, full)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("attestations-%d.json", time.Now().Unix())))
	w.Write(data)
}

func (s *Server) handleImportFile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: read body: %v", models.ErrFormat, err))
		return
	}

	res, ok := s.await(w, r, s.queue.QueueImportFile(data))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res.Value)
}

func (s *Server) handleClearViolations(w http.ResponseWriter, r *http.Request) {
	var req ClearViolationsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !s.svc.ClearViolations(req.Pubkey, req.QuestionID) {
		s.writeError(w, fmt.Errorf("rate limit entry: %w", service.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleResetChain(w http.ResponseWriter, r *http.Request) {
	s.svc.ResetChain()
	s.log.Warn("chain reset requested over http", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
