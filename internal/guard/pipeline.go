package guard

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// FailurePolicy states what the pipeline does when a guard returns an
// error. Fail-open guards log and pass the request on; propagating
// guards turn a broken backing store into a hard denial rather than
// silently mixing "storage down" into "IP is fine".
type FailurePolicy int

const (
	FailOpen FailurePolicy = iota
	Propagate
)

type stage struct {
	guard  Guard
	policy FailurePolicy
}

// Pipeline composes guards in a fixed order: the first denial answers
// the request, downstream guards and handlers never run.
type Pipeline struct {
	stages      []stage
	whitelist   map[string]bool
	fingerprint func(*http.Request) string
	logger      *slog.Logger
}

// NewPipeline creates an empty pipeline. Requests from whitelisted IPs
// bypass every guard. fingerprint derives the device fingerprint stored
// in the RequestInfo; nil leaves it empty.
func NewPipeline(whitelist []string, fingerprint func(*http.Request) string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	wl := make(map[string]bool, len(whitelist))
	for _, ip := range whitelist {
		if ip != "" {
			wl[ip] = true
		}
	}
	return &Pipeline{whitelist: wl, fingerprint: fingerprint, logger: logger}
}

// Use appends a guard with its failure policy. Order matters: cheapest
// and most decisive checks go first.
func (p *Pipeline) Use(g Guard, policy FailurePolicy) {
	p.stages = append(p.stages, stage{guard: g, policy: policy})
}

// Middleware adapts the pipeline to a chi/net-http middleware.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var fp string
		if p.fingerprint != nil {
			fp = p.fingerprint(r)
		}
		info := ParseRequest(r, fp)
		ctx := NewContext(r.Context(), info)
		r = r.WithContext(ctx)

		if p.whitelist[info.IP] {
			next.ServeHTTP(w, r)
			return
		}

		for _, st := range p.stages {
			verdict, err := st.guard.Check(ctx, info)
			if err != nil {
				if st.policy == Propagate {
					p.logger.Error("security check unavailable, denying request",
						"guard", st.guard.Name(), "ip", info.IP, "error", err)
					writeJSON(w, http.StatusServiceUnavailable,
						map[string]any{"error": "Security check unavailable"})
					return
				}
				p.logger.Warn("guard failed, continuing fail-open",
					"guard", st.guard.Name(), "ip", info.IP, "error", err)
				continue
			}
			if !verdict.Allowed {
				writeJSON(w, verdict.Status, verdict.Payload)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
