package ldap

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/isometry/authrelay/internal/failure"
	"github.com/isometry/authrelay/internal/logging"
)

// LogPerformance logs the duration of an operation, escalating slow ones.
func LogPerformance(log logging.Logger, operation string, duration time.Duration, fields map[string]any) {
	entry := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["operation"] = operation
	entry["duration_ms"] = duration.Milliseconds()

	switch {
	case duration > 5*time.Second:
		log.Warn("Slow operation detected", entry)
	case duration > 1*time.Second:
		log.Info("Operation performance", entry)
	default:
		log.Debug("Operation performance", entry)
	}
}

// LogLDAPError logs err with whatever result-code or failure detail it carries.
func LogLDAPError(log logging.Logger, operation string, err error, fields map[string]any) {
	entry := make(map[string]any, len(fields)+7)
	for k, v := range fields {
		entry[k] = v
	}
	entry["operation"] = operation
	entry["error"] = err.Error()
	entry["error_category"] = string(GetErrorCategory(err))
	entry["retryable"] = IsRetryableError(err)

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		entry["ldap_result_code"] = ldapErr.LDAPCode
		if ldapErr.DN != "" {
			entry["ldap_matched_dn"] = ldapErr.DN
		}
		if ldapErr.ServerMsg != "" {
			entry["ldap_diagnostic_message"] = ldapErr.ServerMsg
		}
	}

	if kind := failure.KindOf(err); kind != failure.KindUnknown {
		entry["failure_kind"] = string(kind)
	}

	log.Error("LDAP operation failed", entry)
}

// LogConnectionEvent logs connection lifecycle events at a level fitting event.
func LogConnectionEvent(log logging.Logger, event string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		entry[k] = v
	}
	entry["event"] = event

	switch event {
	case "connection_established", "authentication_success", "tls_established":
		log.Info("Connection event", entry)
	case "connection_failed", "authentication_failed":
		log.Error("Connection event", entry)
	case "connection_lost":
		log.Warn("Connection event", entry)
	default:
		log.Debug("Connection event", entry)
	}
}

// LogKerberosEvent logs GSSAPI bind events.
func LogKerberosEvent(log logging.Logger, event string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["event"] = event
	entry["mechanism"] = "GSSAPI"

	switch event {
	case "ticket_acquired", "keytab_loaded", "credentials_cached":
		log.Info("Kerberos event", entry)
	case "ticket_acquisition_failed", "keytab_load_failed", "authentication_failed":
		log.Error("Kerberos event", entry)
	default:
		log.Trace("Kerberos event", entry)
	}
}

// messageFields describes msg for wire-level debug logs. Credential fields use
// names the default redactor hides.
func messageFields(msg *Message) map[string]any {
	fields := map[string]any{
		"message_id": msg.ID,
		"operation":  OperationName(msg.Op),
	}
	if len(msg.Controls) > 0 {
		controls := make([]string, 0, len(msg.Controls))
		for _, c := range msg.Controls {
			controls = append(controls, c.GetControlType())
		}
		fields["controls"] = controls
	}

	switch op := msg.Op.(type) {
	case *BindRequest:
		fields["bind_dn"] = op.Name
		switch {
		case op.SASL != nil:
			fields["sasl_mechanism"] = op.SASL.Mechanism
			fields["sasl_token"] = base64.StdEncoding.EncodeToString(op.SASL.Credentials)
		case op.Sicily != nil:
			fields["ntlm_token"] = base64.StdEncoding.EncodeToString(op.Sicily.Token)
		default:
			fields["password"] = op.Simple
		}
	case *BindResponse:
		addResultFields(fields, op.Result)
		if op.ServerSASLCreds != nil {
			fields["sasl_token"] = base64.StdEncoding.EncodeToString(op.ServerSASLCreds)
		}
	case *SearchRequest:
		fields["base_dn"] = op.BaseDN
		fields["scope"] = op.Scope
		fields["filter"] = op.Filter
		fields["attributes"] = op.Attributes
	case *SearchResultEntry:
		fields["dn"] = op.Entry.DN
		fields["attribute_count"] = len(op.Entry.Attributes)
	case *SearchResultReference:
		fields["uris"] = op.URIs
	case *SearchResultDone:
		addResultFields(fields, op.Result)
	case *ExtendedRequest:
		fields["request_name"] = op.Name
	case *ExtendedResponse:
		addResultFields(fields, op.Result)
		if op.Name != "" {
			fields["response_name"] = op.Name
		}
	case *AbandonRequest:
		fields["abandon_id"] = op.MessageID
	case *ResultResponse:
		addResultFields(fields, op.Result)
	}

	return fields
}

func addResultFields(fields map[string]any, r Result) {
	fields["result_code"] = r.Code
	if r.Diagnostic != "" {
		fields["diagnostic"] = r.Diagnostic
	}
	if dn := printableDN(r.MatchedDN); dn != "" {
		fields["matched_dn"] = dn
	}
	if len(r.Referrals) > 0 {
		fields["referrals"] = r.Referrals
	}
}
