package audit

import (
	"context"
	"fmt"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/config"
	"github.com/catalystcommunity/pierre/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SecurityAuditor logs every event and forwards it to the configured sinks.
type SecurityAuditor struct {
	sinks []Sink
}

// NewSecurityAuditor creates an auditor. With no sinks events are only logged.
func NewSecurityAuditor(sinks ...Sink) *SecurityAuditor {
	return &SecurityAuditor{sinks: sinks}
}

// NewFromConfig builds the auditor selected by PIERRE_AUDIT_SINK.
func NewFromConfig(ctx context.Context, cfg config.AuditConfig) (*SecurityAuditor, error) {
	switch cfg.Sink {
	case "", "log":
		return NewSecurityAuditor(), nil
	case "memory":
		return NewSecurityAuditor(NewMemorySink()), nil
	case "filesystem":
		return NewSecurityAuditor(NewObjectSink("filesystem", NewFilesystemObjectStore(cfg.Path), "")), nil
	case "s3":
		store, err := NewS3ObjectStore(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return NewSecurityAuditor(NewObjectSink("s3", store, cfg.Prefix)), nil
	default:
		return nil, fmt.Errorf("unsupported audit sink %q", cfg.Sink)
	}
}

// LogEvent logs the event at a level matching its severity and writes it to
// every sink. All sinks are attempted; the first sink error is returned.
func (a *SecurityAuditor) LogEvent(ctx context.Context, event Event) error {
	entry := logging.Log.WithFields(logrus.Fields{
		"event_id":   event.ID.String(),
		"event_type": string(event.Type),
		"action":     event.Action,
		"result":     event.Result,
	})
	if event.TenantID != nil {
		entry = entry.WithField("tenant_id", event.TenantID.String())
	}
	if event.UserID != nil {
		entry = entry.WithField("user_id", event.UserID.String())
	}
	if event.Resource != "" {
		entry = entry.WithField("resource", event.Resource)
	}

	switch event.Severity {
	case SeverityWarning:
		entry.Warn("security audit warning: " + event.Description)
	case SeverityError:
		entry.Error("security audit error: " + event.Description)
	case SeverityCritical:
		entry.Error("CRITICAL security audit event: " + event.Description)
		entry.WithField("source_ip", event.SourceIP).Error("SECURITY ALERT: " + event.Description)
	default:
		entry.Info("security audit event: " + event.Description)
	}
	metrics.RecordAuditEvent(string(event.Type), string(event.Severity))

	var firstErr error
	for _, sink := range a.sinks {
		if err := sink.Write(ctx, event); err != nil {
			metrics.RecordAuditSinkError(sink.Name())
			logging.Log.WithError(err).WithField("sink", sink.Name()).Error("failed to persist audit event")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to write audit event to %s sink: %w", sink.Name(), err)
			}
		}
	}
	return firstErr
}

func credentialResource(tenantID uuid.UUID, provider string) string {
	return fmt.Sprintf("oauth_credentials:%s:%s", tenantID, provider)
}

// LogOAuthCredentialAccess records a read of tenant credentials.
func (a *SecurityAuditor) LogOAuthCredentialAccess(ctx context.Context, tenantID uuid.UUID, provider string, userID *uuid.UUID) error {
	event := NewEvent(OAuthCredentialsAccessed, SeverityInfo,
		fmt.Sprintf("OAuth credentials accessed for provider %s", provider), "access", "success").
		WithTenant(tenantID).
		WithResource(credentialResource(tenantID, provider)).
		WithMetadata("provider", provider)
	if userID != nil {
		event = event.WithUser(*userID)
	}
	return a.LogEvent(ctx, event)
}

// LogOAuthCredentialModification records a create, update or delete of
// tenant credentials. Deletes are warnings.
func (a *SecurityAuditor) LogOAuthCredentialModification(ctx context.Context, tenantID uuid.UUID, provider string, userID *uuid.UUID, action string) error {
	eventType := OAuthCredentialsModified
	severity := SeverityInfo
	switch action {
	case "created":
		eventType = OAuthCredentialsCreated
	case "deleted":
		eventType = OAuthCredentialsDeleted
		severity = SeverityWarning
	}

	event := NewEvent(eventType, severity,
		fmt.Sprintf("OAuth credentials %s for provider %s", action, provider), action, "success").
		WithTenant(tenantID).
		WithResource(credentialResource(tenantID, provider)).
		WithMetadata("provider", provider).
		WithMetadata("modification_type", action)
	if userID != nil {
		event = event.WithUser(*userID)
	}
	return a.LogEvent(ctx, event)
}
