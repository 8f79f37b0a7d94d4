// Package http hosts the inbound webhook endpoint and the operational
// endpoints (health, metrics).
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/limiter"
	"github.com/loopcrm/integrations/internal/model"
	"github.com/loopcrm/integrations/internal/repository"
	"github.com/loopcrm/integrations/internal/service"
)

const maxNotificationBody = 1 << 20

// NotificationValidator authenticates inbound push notifications.
type NotificationValidator interface {
	ValidateNotification(hdr http.Header) (model.Notification, error)
}

// Connector runs the post-OAuth connection flow. The CRM core calls
// the internal connect endpoint after it finishes the token exchange.
type Connector interface {
	ConnectAccount(ctx context.Context, p service.ConnectParams) (*model.IntegrationAccount, error)
}

// Server is the HTTP surface of the worker process.
type Server struct {
	validator NotificationValidator
	connector Connector
	accounts  repository.AccountRepository
	audit     repository.AuditRepository
	limit     limiter.Limiter
	log       *zap.Logger
	srv       *http.Server
}

// New constructs the server listening on addr. limit may be nil to
// disable notification flood protection.
func New(addr string, validator NotificationValidator, connector Connector, accounts repository.AccountRepository, audit repository.AuditRepository, limit limiter.Limiter, log *zap.Logger) *Server {
	s := &Server{
		validator: validator,
		connector: connector,
		accounts:  accounts,
		audit:     audit,
		limit:     limit,
		log:       log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/google/notifications", s.handleNotification)
	mux.HandleFunc("POST /internal/connect", s.handleConnect)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.recoverMiddleware(s.logMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// notificationBody is the optional JSON payload of a push notification;
// calendar pushes carry no body, mail pushes carry a history cursor.
type notificationBody struct {
	HistoryID string `json:"historyId"`
}

// handleNotification is the only public write surface of the worker.
// Authentication is the channel token; anything that does not verify is
// rejected without touching state.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.validator.ValidateNotification(r.Header)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidNotification) {
			s.log.Warn("rejected notification",
				zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The provider's initial "sync" message only confirms the channel.
	if n.State == "sync" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.limit != nil {
		ok, retryAfter, err := s.limit.Allow(r.Context(), n.ChannelID)
		if err != nil {
			s.log.Error("notification limiter check", zap.Error(err))
		} else if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if blocked, err := s.limit.Hit(r.Context(), n.ChannelID); err != nil {
			s.log.Error("notification limiter hit", zap.Error(err))
		} else if blocked {
			s.log.Warn("channel blocked for flooding", zap.String("channel_id", n.ChannelID))
		}
	}

	var body notificationBody
	if raw, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody)); err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &body) // absent or foreign body is fine
	}

	if n.AccountID != uuid.Nil {
		if body.HistoryID != "" {
			if err := s.accounts.UpdateHistoryID(r.Context(), n.AccountID, body.HistoryID); err != nil {
				s.log.Error("persist history id from notification",
					zap.String("account_id", n.AccountID.String()), zap.Error(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
		}
		if account, err := s.accounts.GetByID(r.Context(), n.AccountID); err == nil {
			if err := s.audit.Append(r.Context(), account.OrgID, n.AccountID, "notification_received", map[string]string{
				"channel_id": n.ChannelID,
				"state":      n.State,
				"history_id": body.HistoryID,
			}); err != nil {
				s.log.Warn("append notification audit event", zap.Error(err))
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// connectRequest is what the CRM core sends once its OAuth exchange
// with the provider has completed.
type connectRequest struct {
	OrgID             string     `json:"org_id"`
	OrgName           string     `json:"org_name"`
	Provider          string     `json:"provider"`
	AccessToken       string     `json:"access_token"`
	RefreshToken      string     `json:"refresh_token"`
	ExpiresAt         *time.Time `json:"expires_at"`
	ExternalAccountID string     `json:"external_account_id"`
	Email             string     `json:"email"`
}

type connectResponse struct {
	AccountID        string `json:"account_id"`
	OrgID            string `json:"org_id"`
	Status           string `json:"status"`
	EncryptionStatus string `json:"encryption_status"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBody)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.ExternalAccountID == "" {
		http.Error(w, "provider and external_account_id are required", http.StatusBadRequest)
		return
	}
	if req.AccessToken == "" {
		http.Error(w, "access_token is required", http.StatusBadRequest)
		return
	}
	params := service.ConnectParams{
		OrgName:  req.OrgName,
		Provider: model.Provider(req.Provider),
		Tokens: model.TokenData{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
		},
		ExternalAccountID: req.ExternalAccountID,
		Email:             req.Email,
	}
	if req.OrgID != "" {
		id, err := uuid.FromString(req.OrgID)
		if err != nil {
			http.Error(w, "bad org_id", http.StatusBadRequest)
			return
		}
		params.OrgID = id
	}

	account, err := s.connector.ConnectAccount(r.Context(), params)
	if err != nil {
		s.log.Error("connect account", zap.String("external_account_id", req.ExternalAccountID), zap.Error(err))
		if errors.Is(err, errs.ErrKmsUnavailable) {
			http.Error(w, "encryption backend unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(connectResponse{
		AccountID:        account.ID.String(),
		OrgID:            account.OrgID.String(),
		Status:           string(account.Status),
		EncryptionStatus: string(account.EncryptionStatus),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("dur", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic in http handler",
					zap.String("path", r.URL.Path), zap.Any("panic", rec))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
