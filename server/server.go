// Package server exposes the admin HTTP surface: submission review,
// settlement triggers, payout queue operations, challenge lifecycle, and
// stake verification. Everything under /admin requires operator credentials.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"stakestreak/approval"
	"stakestreak/chain"
	"stakestreak/civil"
	"stakestreak/escrow"
	"stakestreak/finalize"
	"stakestreak/models"
	"stakestreak/queue"
	"stakestreak/settlement"
	"stakestreak/worker"
)

// Server wires the admin API over the payout pipeline components.
type Server struct {
	db        *gorm.DB
	queue     *queue.Queue
	escrow    *escrow.Store
	chain     chain.Chain
	cal       *civil.Calendar
	hook      *approval.Hook
	engine    *settlement.Engine
	finalizer *finalize.Finalizer
	worker    *worker.Worker
	auth      *Authenticator
	log       *slog.Logger
	now       func() time.Time
}

// Config collects the server dependencies.
type Config struct {
	DB        *gorm.DB
	Queue     *queue.Queue
	Escrow    *escrow.Store
	Chain     chain.Chain
	Calendar  *civil.Calendar
	Hook      *approval.Hook
	Engine    *settlement.Engine
	Finalizer *finalize.Finalizer
	Worker    *worker.Worker
	Auth      *Authenticator
	Logger    *slog.Logger
	Now       func() time.Time
}

// New constructs the server.
func New(cfg Config) *Server {
	srv := &Server{
		db:        cfg.DB,
		queue:     cfg.Queue,
		escrow:    cfg.Escrow,
		chain:     cfg.Chain,
		cal:       cfg.Calendar,
		hook:      cfg.Hook,
		engine:    cfg.Engine,
		finalizer: cfg.Finalizer,
		worker:    cfg.Worker,
		auth:      cfg.Auth,
		log:       cfg.Logger,
		now:       cfg.Now,
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	return srv
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Route("/proofs/{submissionID}", func(r chi.Router) {
			r.Post("/approve", s.handleApprove)
			r.Post("/reject", s.handleReject)
		})

		r.Route("/settlements", func(r chi.Router) {
			r.Post("/run", s.handleSettleDue)
			r.Post("/{challengeID}/{dayDate}", s.handleSettleDay)
		})

		r.Route("/payouts", func(r chi.Router) {
			r.Get("/status", s.handlePayoutStatus)
			r.Get("/failed", s.handlePayoutFailed)
			r.Post("/{jobID}/retry", s.handlePayoutRetry)
			r.Post("/retry-all", s.handlePayoutRetryAll)
			r.Post("/pause", s.handleWorkerPause)
			r.Post("/resume", s.handleWorkerResume)
		})

		r.Route("/challenges/{challengeID}", func(r chi.Router) {
			r.Post("/close", s.handleChallengeClose)
			r.Post("/pause", s.handleChallengePause)
			r.Post("/unpause", s.handleChallengeUnpause)
			r.Post("/escrow", s.handleEscrowCreate)
			r.Get("/escrow/balance", s.handleEscrowBalance)
		})

		r.Post("/stakes/verify", s.handleStakeVerify)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable", "UNHEALTHY")
		return
	}
	writeData(w, http.StatusOK, "ok", map[string]any{"time": s.now().UTC()})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := parseUUIDParam(w, r, "submissionID")
	if !ok {
		return
	}
	reviewer := reviewerID(r.Context())
	result, err := s.hook.Approve(r.Context(), submissionID, reviewer)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, "proof.approve", submissionID.String(), result)
	writeData(w, http.StatusOK, "submission approved", result)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := parseUUIDParam(w, r, "submissionID")
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		writeError(w, http.StatusBadRequest, "rejection reason is required", "BAD_REQUEST")
		return
	}
	result, err := s.hook.Reject(r.Context(), submissionID, reviewerID(r.Context()), body.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, "proof.reject", submissionID.String(), result)
	writeData(w, http.StatusOK, "submission rejected", result)
}

func (s *Server) handleSettleDue(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.SettleDue(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, "settlement.run", "", map[string]int{"settled": len(results)})
	writeData(w, http.StatusOK, "settlement run complete", results)
}

func (s *Server) handleSettleDay(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := parseUUIDParam(w, r, "challengeID")
	if !ok {
		return
	}
	dayDate := chi.URLParam(r, "dayDate")
	if !civil.ValidKey(dayDate) {
		writeError(w, http.StatusBadRequest, "dayDate must be YYYY-MM-DD", "BAD_REQUEST")
		return
	}
	result, err := s.engine.SettleDay(r.Context(), challengeID, dayDate)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, "settlement.day", challengeID.String(), result)
	message := "day settled"
	if result.AlreadySettled {
		message = "day already settled"
	}
	writeData(w, http.StatusOK, message, result)
}

func (s *Server) handlePayoutStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	recent, err := s.queue.Recent(r.Context(), 20)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, "payout queue status", map[string]any{
		"stats":        stats,
		"workerPaused": s.worker.Paused(),
		"recent":       recent,
	})
}

func (s *Server) handlePayoutFailed(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := optionalUUIDQuery(w, r, "challengeId")
	if !ok {
		return
	}
	jobs, err := s.queue.ListFailed(r.Context(), challengeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, "failed payout jobs", jobs)
}

func (s *Server) handlePayoutRetry(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseUUIDParam(w, r, "jobID")
	if !ok {
		return
	}
	var body struct {
		WalletAddress string `json:"walletAddress"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.queue.Retry(r.Context(), jobID, body.WalletAddress); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, "payout.retry", jobID.String(), body)
	writeData(w, http.StatusOK, "payout job requeued", map[string]string{"jobId": jobID.String()})
}

func (s *Server) handlePayoutRetryAll(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := optionalUUIDQuery(w, r, "challengeId")
	if !ok {
		return
	}
	count, err := s.queue.RetryAll(r.Context(), challengeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, "payout.retry_all", "", map[string]int64{"retried": count})
	writeData(w, http.StatusOK, "failed payout jobs requeued", map[string]int64{"retried": count})
}

func (s *Server) handleWorkerPause(w http.ResponseWriter, r *http.Request) {
	s.worker.Pause()
	s.audit(r, "worker.pause", "", nil)
	writeData(w, http.StatusOK, "payout worker paused", map[string]bool{"paused": true})
}

func (s *Server) handleWorkerResume(w http.ResponseWriter, r *http.Request) {
	s.worker.Resume()
	s.audit(r, "worker.resume", "", nil)
	writeData(w, http.StatusOK, "payout worker resumed", map[string]bool{"paused": false})
}

func (s *Server) handleChallengeClose(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := parseUUIDParam(w, r, "challengeID")
	if !ok {
		return
	}
	result, err := s.finalizer.CloseChallenge(r.Context(), challengeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, "challenge.close", challengeID.String(), result)
	writeData(w, http.StatusOK, "challenge closed", result)
}

func (s *Server) handleChallengePause(w http.ResponseWriter, r *http.Request) {
	s.setChallengePaused(w, r, true)
}

func (s *Server) handleChallengeUnpause(w http.ResponseWriter, r *http.Request) {
	s.setChallengePaused(w, r, false)
}

func (s *Server) setChallengePaused(w http.ResponseWriter, r *http.Request, paused bool) {
	challengeID, ok := parseUUIDParam(w, r, "challengeID")
	if !ok {
		return
	}
	// The toggle is only meaningful while the challenge is running.
	now := s.now()
	res := s.db.WithContext(r.Context()).Model(&models.Challenge{}).
		Where("id = ? AND payouts_finalized = ? AND start_date <= ? AND end_date > ?", challengeID, false, now, now).
		Updates(map[string]any{"is_paused": paused, "updated_at": now})
	if res.Error != nil {
		s.writeDomainError(w, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "challenge not found, not running, or already finalized", "NOT_FOUND")
		return
	}
	action := "challenge.pause"
	message := "challenge paused"
	if !paused {
		action = "challenge.unpause"
		message = "challenge unpaused"
	}
	s.audit(r, action, challengeID.String(), nil)
	writeData(w, http.StatusOK, message, map[string]bool{"paused": paused})
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := parseUUIDParam(w, r, "challengeID")
	if !ok {
		return
	}
	address, err := s.escrow.Create(r.Context(), challengeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, "escrow.create", challengeID.String(), map[string]string{"address": address})
	writeData(w, http.StatusOK, "escrow wallet ready", map[string]string{"address": address})
}

func (s *Server) handleEscrowBalance(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := parseUUIDParam(w, r, "challengeID")
	if !ok {
		return
	}
	address, err := s.escrow.Address(r.Context(), challengeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	balance, err := s.chain.TokenBalance(r.Context(), address)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, "escrow balance", map[string]any{
		"address":       address,
		"balanceMicros": balance,
		"balance":       models.DisplayAmount(balance),
	})
}

func (s *Server) handleStakeVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengeID  uuid.UUID `json:"challengeId"`
		UserID       uuid.UUID `json:"userId"`
		TxSignature  string    `json:"txSignature"`
		SenderWallet string    `json:"senderWallet"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ChallengeID == uuid.Nil || body.UserID == uuid.Nil ||
		strings.TrimSpace(body.TxSignature) == "" || strings.TrimSpace(body.SenderWallet) == "" {
		writeError(w, http.StatusBadRequest, "challengeId, userId, txSignature, and senderWallet are required", "BAD_REQUEST")
		return
	}

	var challenge models.Challenge
	err := s.db.WithContext(r.Context()).First(&challenge, "id = ?", body.ChallengeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "challenge not found", "NOT_FOUND")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if challenge.EscrowAddress == "" {
		writeError(w, http.StatusConflict, "challenge has no escrow wallet", "NO_ESCROW")
		return
	}

	verified, err := s.chain.VerifyTransfer(r.Context(), body.TxSignature, body.SenderWallet, challenge.EscrowAddress, challenge.StakeAmount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !verified {
		writeData(w, http.StatusOK, "stake transfer not verified", map[string]bool{"verified": false})
		return
	}

	now := s.now()
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var uc models.UserChallenge
		err := tx.First(&uc, "user_id = ? AND challenge_id = ?", body.UserID, body.ChallengeID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			uc = models.UserChallenge{
				ID:            uuid.New(),
				UserID:        body.UserID,
				ChallengeID:   body.ChallengeID,
				StakeAmount:   challenge.StakeAmount,
				WalletAddress: body.SenderWallet,
				Status:        models.ParticipantActive,
				StartDate:     challenge.StartDate,
				EndDate:       challenge.EndDate,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			return tx.Create(&uc).Error
		}
		if err != nil {
			return err
		}
		uc.Status = models.ParticipantActive
		uc.StakeAmount = challenge.StakeAmount
		uc.WalletAddress = body.SenderWallet
		uc.UpdatedAt = now
		return tx.Save(&uc).Error
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, "stake.verify", body.ChallengeID.String(), map[string]any{
		"userId":      body.UserID,
		"txSignature": body.TxSignature,
	})
	writeData(w, http.StatusOK, "stake verified", map[string]bool{"verified": true})
}

// audit records an operator action. Failures are logged, never surfaced.
func (s *Server) audit(r *http.Request, action, targetID string, details any) {
	payload := ""
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			payload = string(raw)
		}
	}
	entry := models.AuditLog{
		ID:           uuid.New(),
		ActorSubject: actorFrom(r.Context()),
		Action:       action,
		TargetID:     targetID,
		Details:      payload,
		CreatedAt:    s.now(),
	}
	if err := s.db.WithContext(r.Context()).Create(&entry).Error; err != nil {
		s.log.Error("audit log write failed", "action", action, "error", err)
	}
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrSubmissionNotFound),
		errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, escrow.ErrWalletNotFound),
		errors.Is(err, escrow.ErrChallengeNotFound),
		errors.Is(err, settlement.ErrChallengeNotFound),
		errors.Is(err, finalize.ErrChallengeNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	// State-machine refusals are client errors: the request names a real
	// resource whose current state forbids the transition.
	case errors.Is(err, approval.ErrNotPending):
		writeError(w, http.StatusBadRequest, err.Error(), "ALREADY_REVIEWED")
	case errors.Is(err, approval.ErrChallengeFinalized),
		errors.Is(err, settlement.ErrChallengeFinalized),
		errors.Is(err, finalize.ErrAlreadyFinalized):
		writeError(w, http.StatusBadRequest, err.Error(), "CHALLENGE_FINALIZED")
	case errors.Is(err, queue.ErrJobTerminal):
		writeError(w, http.StatusBadRequest, err.Error(), "JOB_COMPLETED")
	case errors.Is(err, queue.ErrJobNotLeased):
		writeError(w, http.StatusBadRequest, err.Error(), "JOB_NOT_PROCESSING")
	case errors.Is(err, settlement.ErrDayOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	case errors.Is(err, escrow.ErrKeyUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "KEY_UNAVAILABLE")
	default:
		s.log.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
	}
}

// reviewerID derives a stable reviewer UUID from the authenticated subject.
// JWT subjects that are already UUIDs pass through unchanged.
func reviewerID(ctx context.Context) uuid.UUID {
	actor := actorFrom(ctx)
	if id, err := uuid.Parse(actor); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(actor))
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name), "BAD_REQUEST")
		return uuid.Nil, false
	}
	return id, true
}

func optionalUUIDQuery(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name), "BAD_REQUEST")
		return nil, false
	}
	return &id, true
}

// decodeBody parses an optional JSON body. An empty body leaves the target
// at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "BAD_REQUEST")
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"message": message,
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": message,
		"code":    code,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
