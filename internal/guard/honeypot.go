package guard

import (
	"context"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/model"
)

// Decoy field names a rendered form never populates. Each is also
// checked under "_<name>" and "<name>_hidden" because bot kits mangle
// field names both ways.
var honeypotFields = []string{
	"website", "url", "homepage", "email_confirm", "phone_confirm",
	"captcha", "verify", "check", "confirm_field", "hidden_field",
	"bot_trap", "spam_check", "verification",
}

// HoneypotGuard answers bot traffic with a fake success envelope. Only
// state-changing requests are inspected; a filled decoy field means the
// body was machine-generated, and the silent verdict avoids telling the
// bot it was caught.
type HoneypotGuard struct {
	events   *events.Service
	notifier Notifier
	logger   *slog.Logger
}

// NewHoneypotGuard creates the honeypot guard. notifier may be nil.
func NewHoneypotGuard(ev *events.Service, notifier Notifier, logger *slog.Logger) *HoneypotGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &HoneypotGuard{events: ev, notifier: notifier, logger: logger}
}

func (g *HoneypotGuard) Name() string { return "honeypot" }

func (g *HoneypotGuard) Check(ctx context.Context, req *RequestInfo) (Verdict, error) {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return Allow(), nil
	}
	if len(req.BodyFields) == 0 {
		return Allow(), nil
	}

	for _, field := range honeypotFields {
		for _, name := range []string{field, "_" + field, field + "_hidden"} {
			value, ok := req.BodyFields[name]
			if !ok || value == "" {
				continue
			}

			details := map[string]any{
				"field": name,
				"value": truncate(value, 100),
				"path":  req.Path,
			}
			g.events.Log(ctx, req.IP, model.EventHoneypotTriggered, details, nil)
			g.logger.Warn("honeypot field filled, swallowing request",
				"ip", req.IP, "field", name, "path", req.Path)
			if g.notifier != nil {
				g.notifier.NotifyAdmins(ctx, model.EventHoneypotTriggered, details)
			}
			return DenySilent(), nil
		}
	}

	return Allow(), nil
}

// truncate shortens s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
