package notify

import (
	"fmt"

	"github.com/bodegaops/gatekeeper/internal/model"
)

// template renders one event type into the human-facing notification.
type template struct {
	title    string
	severity string
	message  func(details map[string]any) string
}

func detail(details map[string]any, key string) string {
	if v, ok := details[key]; ok {
		return fmt.Sprint(v)
	}
	return "?"
}

// templates maps event types to their notification rendering. Event
// types without an entry fall back to genericTemplate.
var templates = map[string]template{
	model.EventBruteForceLocked: {
		title:    "Brute force lockout",
		severity: model.NotifyError,
		message: func(d map[string]any) string {
			return fmt.Sprintf("%s locked out after %s failed login attempts",
				detail(d, "identifier"), detail(d, "attempts"))
		},
	},
	model.EventHoneypotTriggered: {
		title:    "Bot detected",
		severity: model.NotifyWarning,
		message: func(d map[string]any) string {
			return fmt.Sprintf("Honeypot field %q filled from %s",
				detail(d, "field"), detail(d, "ip"))
		},
	},
	model.EventReputationBlocked: {
		title:    "Malicious IP blocked",
		severity: model.NotifyError,
		message: func(d map[string]any) string {
			return fmt.Sprintf("IP %s blocked with abuse score %s",
				detail(d, "ip"), detail(d, "score"))
		},
	},
	model.EventVPNDetected: {
		title:    "VPN connection blocked",
		severity: model.NotifyWarning,
		message: func(d map[string]any) string {
			return fmt.Sprintf("IP %s blocked as VPN/hosting (%s)",
				detail(d, "ip"), detail(d, "isp"))
		},
	},
	model.EventTorDetected: {
		title:    "Tor connection blocked",
		severity: model.NotifyWarning,
		message: func(d map[string]any) string {
			return fmt.Sprintf("IP %s is a known Tor exit node", detail(d, "ip"))
		},
	},
	model.EventSuspiciousDevice: {
		title:    "Suspicious device activity",
		severity: model.NotifyWarning,
		message: func(d map[string]any) string {
			return fmt.Sprintf("User seen from %s distinct devices this week",
				detail(d, "distinct_devices"))
		},
	},
	model.EventManualBlock: {
		title:    "IP blocked manually",
		severity: model.NotifyInfo,
		message: func(d map[string]any) string {
			return fmt.Sprintf("IP %s blocked by an administrator", detail(d, "ip"))
		},
	},
}

func genericTemplate(eventType string) template {
	return template{
		title:    "Security alert",
		severity: model.NotifyWarning,
		message: func(d map[string]any) string {
			return fmt.Sprintf("Security event %s from %s", eventType, detail(d, "ip"))
		},
	}
}

func templateFor(eventType string) template {
	if t, ok := templates[eventType]; ok {
		return t
	}
	return genericTemplate(eventType)
}
