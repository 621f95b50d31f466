package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/marcusholm/polyscan/internal/domain"
	"github.com/marcusholm/polyscan/internal/scanner"
)

// ScannerService is the control surface the bot endpoints drive. The
// concrete implementation is *scanner.Scanner.
type ScannerService interface {
	Start(ctx context.Context) error
	Stop()
	Pause()
	Resume()
	RunScan(ctx context.Context) (domain.ScanReport, error)
	UpdateConfig(patch scanner.ConfigPatch) scanner.Config
	Config() scanner.Config
	Status() domain.ServiceStatus
}

// BotHandler serves the start/stop/pause/resume and one-shot scan
// endpoints.
type BotHandler struct {
	svc    ScannerService
	runCtx context.Context // lifetime context the scan loop runs under
	logger *slog.Logger
}

// NewBotHandler builds a BotHandler. runCtx bounds the scan loop
// started via the API; it should be the process lifetime context, not a
// request context.
func NewBotHandler(svc ScannerService, runCtx context.Context, logger *slog.Logger) *BotHandler {
	return &BotHandler{
		svc:    svc,
		runCtx: runCtx,
		logger: logger.With(slog.String("handler", "bot")),
	}
}

// StartBot launches the periodic scan loop.
// POST /api/bot/start
func (h *BotHandler) StartBot(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Start(h.runCtx); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// StopBot halts the scan loop, waiting out any in-flight pass.
// POST /api/bot/stop
func (h *BotHandler) StopBot(w http.ResponseWriter, r *http.Request) {
	h.svc.Stop()
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// PauseBot keeps the loop alive but skips scheduled passes.
// POST /api/bot/pause
func (h *BotHandler) PauseBot(w http.ResponseWriter, r *http.Request) {
	h.svc.Pause()
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// ResumeBot lifts a pause.
// POST /api/bot/resume
func (h *BotHandler) ResumeBot(w http.ResponseWriter, r *http.Request) {
	h.svc.Resume()
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// RunScan triggers one scan pass and returns its report. A pass already
// in flight yields 409.
// POST /api/scan
func (h *BotHandler) RunScan(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RunScan(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "manual scan failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
