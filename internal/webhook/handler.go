// Package webhook receives GitHub webhook deliveries, verifies their
// signatures and hands decoded events to a Sink.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Delivery headers.
const (
	headerSignature = "X-Hub-Signature-256"
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"

	signaturePrefix = "sha256="

	defaultMaxBody = 25 << 20
)

// Sink consumes verified, decoded deliveries. Returning an error makes the
// handler answer 500 so that GitHub redelivers.
type Sink interface {
	HandleIssue(ctx context.Context, ev *IssueEvent) error
	HandleInstallation(ctx context.Context, ev *InstallationEvent) error
	HandleMilestone(ctx context.Context, ev *MilestoneEvent) error
}

// Handler serves POST /webhook.
type Handler struct {
	secret  []byte
	sink    Sink
	maxBody int64
	logger  *slog.Logger
}

// NewHandler returns a handler that verifies deliveries against secret.
// maxBody <= 0 selects the GitHub payload cap of 25 MiB.
func NewHandler(secret string, sink Sink, maxBody int64, logger *slog.Logger) *Handler {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{secret: []byte(secret), sink: sink, maxBody: maxBody, logger: logger}
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /webhook", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}

		http.Error(w, "reading body", http.StatusBadRequest)

		return
	}

	if !Verify(h.secret, body, r.Header.Get(headerSignature)) {
		h.logger.Warn("rejected webhook with bad signature",
			slog.String("delivery", r.Header.Get(headerDelivery)),
			slog.String("remote", r.RemoteAddr),
		)
		http.Error(w, "invalid signature", http.StatusUnauthorized)

		return
	}

	event := r.Header.Get(headerEvent)
	delivery := r.Header.Get(headerDelivery)

	logger := h.logger.With(slog.String("event", event), slog.String("delivery", delivery))

	if err := h.dispatch(r.Context(), event, delivery, body, logger); err != nil {
		if errors.Is(err, ErrMalformed) {
			logger.Warn("malformed webhook payload", slog.String("error", err.Error()))
			http.Error(w, "malformed payload", http.StatusBadRequest)

			return
		}

		logger.Error("webhook processing failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) dispatch(ctx context.Context, event, delivery string, body []byte, logger *slog.Logger) error {
	switch event {
	case EventPing:
		logger.Info("webhook ping received")
		return nil

	case EventIssues, EventIssueComment:
		ev, err := parseIssues(event, delivery, body)
		if err != nil || ev == nil {
			return err
		}

		logger.Debug("issue delivery",
			slog.String("action", ev.Action),
			slog.String("repo", ev.Repository.FullName),
			slog.Int("number", ev.Issue.Number),
		)

		return h.sink.HandleIssue(ctx, ev)

	case EventInstallation, EventInstallationRepositories:
		ev, err := parseInstallation(event, delivery, body)
		if err != nil {
			return err
		}

		logger.Info("installation delivery",
			slog.String("action", ev.Action),
			slog.Int64("installation", ev.Installation.ID),
			slog.String("account", ev.Installation.Account.Login),
		)

		return h.sink.HandleInstallation(ctx, ev)

	case EventMilestone:
		ev, err := parseMilestone(delivery, body)
		if err != nil {
			return err
		}

		logger.Debug("milestone delivery",
			slog.String("action", ev.Action),
			slog.String("repo", ev.Repository.FullName),
			slog.String("milestone", ev.Milestone.Title),
		)

		return h.sink.HandleMilestone(ctx, ev)

	default:
		logger.Debug("ignoring webhook event")
		return nil
	}
}

// Verify reports whether signature is the hex HMAC-SHA256 of body under
// secret, in the "sha256=<hex>" form GitHub sends. An empty secret never
// verifies.
func Verify(secret, body []byte, signature string) bool {
	if len(secret) == 0 {
		return false
	}

	hexSig, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false
	}

	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
