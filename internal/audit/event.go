// Package audit records security relevant events: credential access and
// changes, key rotations and policy violations.
package audit

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	OAuthCredentialsAccessed EventType = "oauth_credentials_accessed"
	OAuthCredentialsCreated  EventType = "oauth_credentials_created"
	OAuthCredentialsModified EventType = "oauth_credentials_modified"
	OAuthCredentialsDeleted  EventType = "oauth_credentials_deleted"
	TokenRefreshed           EventType = "token_refreshed"
	ProviderAPICalled        EventType = "provider_api_called"

	TenantCreated EventType = "tenant_created"

	KeyRotated       EventType = "key_rotated"
	EncryptionFailed EventType = "encryption_failed"

	ConfigurationChanged    EventType = "configuration_changed"
	SecurityPolicyViolation EventType = "security_policy_violation"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one audit record. Events are written as JSON by the object sinks.
type Event struct {
	ID          uuid.UUID      `json:"event_id"`
	Type        EventType      `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Timestamp   time.Time      `json:"timestamp"`
	UserID      *uuid.UUID     `json:"user_id,omitempty"`
	TenantID    *uuid.UUID     `json:"tenant_id,omitempty"`
	SourceIP    string         `json:"source_ip,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Action      string         `json:"action"`
	Result      string         `json:"result"`
}

// NewEvent stamps a new event with an id and the current UTC time.
func NewEvent(eventType EventType, severity Severity, description, action, result string) Event {
	return Event{
		ID:          uuid.New(),
		Type:        eventType,
		Severity:    severity,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Action:      action,
		Result:      result,
	}
}

func (e Event) WithTenant(tenantID uuid.UUID) Event {
	e.TenantID = &tenantID
	return e
}

func (e Event) WithUser(userID uuid.UUID) Event {
	e.UserID = &userID
	return e
}

func (e Event) WithSourceIP(ip string) Event {
	e.SourceIP = ip
	return e
}

func (e Event) WithResource(resource string) Event {
	e.Resource = resource
	return e
}

// WithMetadata adds one metadata entry. The map is copied so events built
// from a shared base do not alias.
func (e Event) WithMetadata(key string, value any) Event {
	md := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}
