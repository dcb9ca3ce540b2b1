// Package logging wires tflog subsystems for the relay packages and provides
// the small helpers they share: a Logger interface, timing, and field redaction.
package logging

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// EnvPrefix is the prefix of per-subsystem log level variables, e.g.
// AUTHRELAY_LOG_LDAP=debug.
const EnvPrefix = "AUTHRELAY_LOG"

// Subsystem names.
const (
	SubsystemLDAP   = "ldap"
	SubsystemRADIUS = "radius"
	SubsystemConfig = "config"
	SubsystemProbe  = "probe"
)

const redacted = "[REDACTED]"

// SensitiveKeys are field keys whose values are masked in every subsystem.
var SensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"key",
	"private_key",
	"credential",
	"credentials",
	"nt_hash",
	"sasl_token",
}

// NewSubsystem registers subsystem on ctx with its level taken from
// AUTHRELAY_LOG_<SUBSYSTEM> and SensitiveKeys masked.
func NewSubsystem(ctx context.Context, subsystem string) context.Context {
	ctx = tflog.NewSubsystem(ctx, subsystem, tflog.WithLevelFromEnv(EnvPrefix, subsystem))
	return tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, subsystem, SensitiveKeys...)
}

// Logger is the logging surface used by the protocol clients.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Trace(msg string, fields map[string]any)
}

// TFLogger sends to a tflog subsystem bound to a context.
type TFLogger struct {
	ctx       context.Context
	subsystem string
}

// NewTFLogger returns a Logger for subsystem. The subsystem should already be
// registered on ctx with NewSubsystem, otherwise output is dropped.
func NewTFLogger(ctx context.Context, subsystem string) *TFLogger {
	return &TFLogger{
		ctx:       ctx,
		subsystem: subsystem,
	}
}

func (l *TFLogger) Debug(msg string, fields map[string]any) {
	tflog.SubsystemDebug(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Info(msg string, fields map[string]any) {
	tflog.SubsystemInfo(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Warn(msg string, fields map[string]any) {
	tflog.SubsystemWarn(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Error(msg string, fields map[string]any) {
	tflog.SubsystemError(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Trace(msg string, fields map[string]any) {
	tflog.SubsystemTrace(l.ctx, l.subsystem, msg, fields)
}

// With returns a logger that adds key to every entry.
func (l *TFLogger) With(key string, value any) *TFLogger {
	return &TFLogger{
		ctx:       tflog.SubsystemSetField(l.ctx, l.subsystem, key, value),
		subsystem: l.subsystem,
	}
}

// LogOperation runs fn and logs its start, duration and outcome.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	entry := make(map[string]any, len(fields)+3)
	maps.Copy(entry, fields)
	entry["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", entry)

	err := fn()

	entry["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		entry["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", entry)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", entry)
	}

	return err
}

// Redactor decides whether the value logged under a field name must be hidden.
type Redactor func(field string) bool

// DefaultRedactor hides SensitiveKeys and any field whose name contains one.
func DefaultRedactor(field string) bool {
	lower := strings.ToLower(field)
	for _, k := range SensitiveKeys {
		if lower == k || strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// SanitizeFields returns a copy of fields with redacted values replaced. A nil
// redactor uses DefaultRedactor. String values that look like key=value
// credentials are also replaced.
func SanitizeFields(fields map[string]any, redact Redactor) map[string]any {
	if redact == nil {
		redact = DefaultRedactor
	}

	sanitized := make(map[string]any, len(fields))
	for k, v := range fields {
		if redact(k) {
			sanitized[k] = redacted
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = redacted
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
