// Package guard implements the request security pipeline: an ordered
// chain of independent checks every inbound request passes before it
// reaches business routes. Each guard only ever narrows the allowed set;
// the first denial terminates the chain.
package guard

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Guard is one stage in the security pipeline. Check returns the verdict
// for the request, or an error when the guard itself failed; whether
// that error denies the request is the pipeline's per-guard policy, not
// the guard's.
type Guard interface {
	Name() string
	Check(ctx context.Context, req *RequestInfo) (Verdict, error)
}

// Notifier fans a security event out to administrators. Implementations
// must be fire-and-forget; guards never inspect the outcome.
type Notifier interface {
	NotifyAdmins(ctx context.Context, eventType string, details map[string]any)
}

// Verdict is a guard's decision. A denial carries the HTTP status and
// JSON payload to answer with; a silent denial answers with a success
// envelope so the caller cannot tell it was filtered.
type Verdict struct {
	Allowed bool
	Status  int
	Payload map[string]any
}

// Allow passes the request to the next stage.
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Deny terminates the request with the given status and payload.
func Deny(status int, payload map[string]any) Verdict {
	return Verdict{Status: status, Payload: payload}
}

// DenySilent terminates the request with a fake success envelope,
// performing no further processing.
func DenySilent() Verdict {
	return Verdict{
		Status:  http.StatusOK,
		Payload: map[string]any{"ok": true, "message": "Processed"},
	}
}

// RequestInfo is the request-scoped view the guards share: resolved
// client address, device fingerprint, and a flat copy of the body fields
// for state-changing requests. It travels in the request context so
// later stages never re-derive what an earlier stage computed.
type RequestInfo struct {
	IP          string
	Method      string
	Path        string
	UserAgent   string
	Fingerprint string
	BodyFields  map[string]string
}

type ctxKey struct{}

// NewContext returns a context carrying the request info.
func NewContext(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the request info stored by the pipeline, or nil.
func FromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(ctxKey{}).(*RequestInfo)
	return info
}

// ClientIP extracts the client address from the request. Run behind
// chi's RealIP middleware this is the X-Forwarded-For/X-Real-IP result;
// otherwise the socket peer.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// maxBodyPeek bounds how much of a request body the pipeline inspects.
const maxBodyPeek = 1 << 20

// ParseRequest builds the RequestInfo for a request. For state-changing
// methods with a JSON or form body, up to maxBodyPeek bytes are read and
// flattened into BodyFields; the body is restored so downstream handlers
// can consume it unchanged.
func ParseRequest(r *http.Request, fingerprint string) *RequestInfo {
	info := &RequestInfo{
		IP:          ClientIP(r),
		Method:      r.Method,
		Path:        r.URL.Path,
		UserAgent:   r.UserAgent(),
		Fingerprint: fingerprint,
	}

	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		info.BodyFields = peekBodyFields(r)
	}
	return info
}

func peekBodyFields(r *http.Request) map[string]string {
	if r.Body == nil {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
	_ = r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(buf)))
	if err != nil || len(buf) == 0 {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return flattenJSON(buf)
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(buf))
		if err != nil {
			return nil
		}
		fields := make(map[string]string, len(values))
		for k := range values {
			fields[k] = values.Get(k)
		}
		return fields
	default:
		return nil
	}
}

func flattenJSON(buf []byte) map[string]string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			fields[k] = s
			continue
		}
		// Non-string scalars keep their literal form; objects and arrays
		// are not decoy candidates, skip them.
		trimmed := strings.TrimSpace(string(v))
		if trimmed == "" || trimmed[0] == '{' || trimmed[0] == '[' {
			continue
		}
		fields[k] = trimmed
	}
	return fields
}
