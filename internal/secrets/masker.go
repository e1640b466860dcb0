package secrets

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const redacted = "[REDACTED]"

// Masker tracks known secret values (OAuth client secrets, tokens, key
// material) and replaces them wherever they appear in log output.
type Masker struct {
	mu      sync.RWMutex
	secrets map[string]bool
}

// NewMasker creates a new secret masker
func NewMasker() *Masker {
	return &Masker{
		secrets: make(map[string]bool),
	}
}

// RegisterSecret adds a secret value that should be masked
func (m *Masker) RegisterSecret(value string) {
	if value == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[value] = true
}

// RegisterSecrets adds multiple secret values at once
func (m *Masker) RegisterSecrets(values ...string) {
	for _, v := range values {
		m.RegisterSecret(v)
	}
}

// MaskString replaces all known secret values in a string with [REDACTED]
func (m *Masker) MaskString(text string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	masked := text
	for secret := range m.secrets {
		// short values would mask unrelated text
		if len(secret) >= 3 {
			masked = strings.ReplaceAll(masked, secret, redacted)
		}
	}
	return masked
}

// Size returns the number of registered secrets
func (m *Masker) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}

// Hook returns a logrus hook that masks messages and string fields.
func (m *Masker) Hook() logrus.Hook {
	return &maskingHook{masker: m}
}

type maskingHook struct {
	masker *Masker
}

func (h *maskingHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire runs on the entry copy logrus builds per log call, so rewriting Data is safe.
func (h *maskingHook) Fire(entry *logrus.Entry) error {
	entry.Message = h.masker.MaskString(entry.Message)
	for k, v := range entry.Data {
		switch val := v.(type) {
		case string:
			entry.Data[k] = h.masker.MaskString(val)
		case error:
			if masked := h.masker.MaskString(val.Error()); masked != val.Error() {
				entry.Data[k] = masked
			}
		}
	}
	return nil
}

// DefaultMasker is a global instance that can be used throughout the application
var DefaultMasker = NewMasker()

// RegisterSecret adds a secret to the default masker
func RegisterSecret(value string) {
	DefaultMasker.RegisterSecret(value)
}

// MaskString masks secrets in a string using the default masker
func MaskString(text string) string {
	return DefaultMasker.MaskString(text)
}
