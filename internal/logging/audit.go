// Audit logging for meshNERD: structured JSONL events written alongside the
// category logs. Each generation job, LLM call, quota wait, and tool run
// leaves a machine-parseable trace that can be correlated by job or request ID.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Generation lifecycle events
	AuditGenerationStart    AuditEventType = "generation_start"
	AuditGenerationComplete AuditEventType = "generation_complete"
	AuditGenerationDegraded AuditEventType = "generation_degraded"
	AuditGenerationError    AuditEventType = "generation_error"

	// LLM API events
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Admission control events
	AuditQuotaWait  AuditEventType = "quota_wait"
	AuditQuotaAdmit AuditEventType = "quota_admit"

	// Reply extraction events
	AuditExtractOK     AuditEventType = "extract_ok"
	AuditExtractRepair AuditEventType = "extract_repair"
	AuditExtractError  AuditEventType = "extract_error"

	// External tool events
	AuditToolInvoke   AuditEventType = "tool_invoke"
	AuditToolComplete AuditEventType = "tool_complete"
	AuditToolError    AuditEventType = "tool_error"

	// File operations
	AuditFileWrite AuditEventType = "file_write"
	AuditFileError AuditEventType = "file_error"

	// HTTP API events
	AuditRequestStart AuditEventType = "request_start"
	AuditRequestEnd   AuditEventType = "request_end"

	// Error events
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`     // Unix milliseconds
	EventType  AuditEventType         `json:"event"`  // Event discriminator
	Category   string                 `json:"cat"`    // Log category
	JobID      string                 `json:"job"`    // Generation job correlation
	RequestID  string                 `json:"req"`    // HTTP request correlation
	Target     string                 `json:"target"` // Target of operation
	Action     string                 `json:"action"` // Action being performed
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms"`
	Error      string                 `json:"error"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging
type AuditLogger struct {
	jobID     string
	requestID string
	category  Category
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Format: one JSON event per line\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithJob creates an audit logger scoped to a generation job
func AuditWithJob(jobID string) *AuditLogger {
	return &AuditLogger{jobID: jobID}
}

// AuditWithRequest creates an audit logger scoped to an HTTP request
func AuditWithRequest(requestID string) *AuditLogger {
	return &AuditLogger{requestID: requestID}
}

// AuditWithContext creates a fully-scoped audit logger
func AuditWithContext(jobID, requestID string, category Category) *AuditLogger {
	return &AuditLogger{
		jobID:     jobID,
		requestID: requestID,
		category:  category,
	}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	// Fill in defaults
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.JobID == "" && a.jobID != "" {
		event.JobID = a.jobID
	}
	if event.RequestID == "" && a.requestID != "" {
		event.RequestID = a.requestID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// GenerationStart records the beginning of a generation job
func (a *AuditLogger) GenerationStart(jobID, provider, model string, imageCount int) {
	a.Log(AuditEvent{
		EventType: AuditGenerationStart,
		Category:  string(CategoryBuilder),
		JobID:     jobID,
		Target:    model,
		Action:    provider,
		Success:   true,
		Message:   fmt.Sprintf("generation started with %d images", imageCount),
		Fields:    map[string]interface{}{"images": imageCount},
	})
}

// GenerationComplete records a finished generation job
func (a *AuditLogger) GenerationComplete(jobID, status string, durationMs int64) {
	eventType := AuditGenerationComplete
	if status == "degraded" {
		eventType = AuditGenerationDegraded
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryBuilder),
		JobID:      jobID,
		Target:     status,
		Success:    true,
		DurationMs: durationMs,
	})
}

// GenerationError records a failed generation job
func (a *AuditLogger) GenerationError(jobID, stage string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: AuditGenerationError,
		Category:  string(CategoryBuilder),
		JobID:     jobID,
		Target:    stage,
		Success:   false,
		Error:     msg,
	})
}

// LLMCall records an LLM API interaction
func (a *AuditLogger) LLMCall(provider, model string, inputTokens, outputTokens int64, durationMs int64, success bool, errMsg string) {
	eventType := AuditLLMResponse
	if !success {
		eventType = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryVision),
		Target:     model,
		Action:     provider,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields: map[string]interface{}{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	})
}

// QuotaWait records a blocked admission
func (a *AuditLogger) QuotaWait(provider, quota string, amount int64, waitMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditQuotaWait,
		Category:   string(CategoryQuota),
		Target:     quota,
		Action:     provider,
		Success:    true,
		DurationMs: waitMs,
		Fields:     map[string]interface{}{"amount": amount},
	})
}

// ExtractEvent records the outcome of reply extraction
func (a *AuditLogger) ExtractEvent(eventType AuditEventType, reason string) {
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  string(CategoryExtract),
		Target:    reason,
		Success:   eventType != AuditExtractError,
	})
}

// ToolExec records external tool execution
func (a *AuditLogger) ToolExec(tool, action string, durationMs int64, success bool, errMsg string) {
	eventType := AuditToolComplete
	if !success {
		eventType = AuditToolError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryScad),
		Target:     tool,
		Action:     action,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
	})
}

// FileOp records an artifact write
func (a *AuditLogger) FileOp(path string, size int64, success bool, errMsg string) {
	eventType := AuditFileWrite
	if !success {
		eventType = AuditFileError
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  string(CategoryBuilder),
		Target:    path,
		Success:   success,
		Error:     errMsg,
		Fields:    map[string]interface{}{"size": size},
	})
}

// RequestEvent records HTTP request lifecycle
func (a *AuditLogger) RequestEvent(eventType AuditEventType, method, path string, status int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryServer),
		Target:     path,
		Action:     method,
		Success:    status < 500,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"status": status},
	})
}

// Error records a generic or critical error
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     msg,
	})
}
