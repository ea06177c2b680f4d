package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"meshnerd/internal/logging"
)

// =============================================================================
// EXTRACT - MODEL REPLY TO VALIDATED RECORD
// =============================================================================
//
// Multimodal models are asked to answer with a single JSON object holding
// an OpenSCAD script and a map of named dimensions, but replies arrive
// wrapped in prose, markdown fences, single-quoted pseudo-JSON, or with
// raw newlines inside the script string. The extractor recovers the
// object, repairs the one failure mode worth repairing (literal newlines
// in the script field), validates the payload, and produces a record the
// rest of the pipeline can trust. Validation is all-or-nothing: a record
// either comes back complete or not at all.

// Keys the reply object must carry.
const (
	keyScript     = "openscad_code"
	keyDimensions = "dimensions"
)

// scriptFieldRe locates the script field's string value so literal
// newlines inside it can be escaped for a re-parse. The value span is
// capture group 1.
var scriptFieldRe = regexp.MustCompile(`"openscad_code":\s*"([^"]*)"`)

// ModelRecord is a validated reply payload.
type ModelRecord struct {
	ScriptText string             // OpenSCAD source, ends in exactly one newline
	Dimensions map[string]float64 // Named measurements, never empty
}

// ExtractionError describes a reply that could not be converted into a
// record. Text carries the offending candidate so callers can log or
// surface it.
type ExtractionError struct {
	Reason string
	Text   string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := "extract: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Text != "" {
		msg += fmt.Sprintf(" (text: %s)", truncate(e.Text, 160))
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Config configures an extractor.
type Config struct {
	// CollapseCylinderDims remaps diameter/length measurements onto the
	// generic width/height/depth triple after validation. Off by default.
	CollapseCylinderDims bool
}

// Extractor converts raw model replies into validated records.
type Extractor struct {
	config Config
}

// New creates an extractor.
func New(config Config) *Extractor {
	return &Extractor{config: config}
}

// Extract converts a raw reply into a validated record. The reply text
// is never evaluated, only parsed.
func Extract(reply string) (*ModelRecord, error) {
	return New(Config{}).Extract(reply)
}

// Extract converts a raw reply into a validated record.
func (x *Extractor) Extract(reply string) (*ModelRecord, error) {
	fail := func(err *ExtractionError) (*ModelRecord, error) {
		logging.ExtractWarn("extraction failed: %s", err.Reason)
		logging.Audit().ExtractEvent(logging.AuditExtractError, err.Reason)
		return nil, err
	}

	// Slice out the outermost object.
	start := strings.Index(reply, "{")
	if start == -1 {
		return fail(&ExtractionError{Reason: "no object found in reply", Text: reply})
	}
	end := strings.LastIndex(reply, "}")
	if end == -1 {
		return fail(&ExtractionError{Reason: "no closing brace in reply", Text: reply})
	}

	candidate := strings.TrimSpace(reply[start : end+1])
	// Models occasionally emit single-quoted pseudo-JSON.
	candidate = strings.ReplaceAll(candidate, "'", `"`)

	payload, perr := parseObject(candidate)
	if perr != nil {
		// One repair attempt: escape literal newlines inside the script
		// field's value and re-parse. Anything else stays broken.
		repaired, found := escapeScriptNewlines(candidate)
		if !found {
			return fail(&ExtractionError{Reason: "malformed payload", Text: candidate, Err: perr})
		}
		payload, perr = parseObject(repaired)
		if perr != nil {
			return fail(&ExtractionError{Reason: "malformed payload", Text: repaired, Err: perr})
		}
		candidate = repaired
		logging.ExtractDebug("repaired literal newlines in script field")
		logging.Audit().ExtractEvent(logging.AuditExtractRepair, "literal newlines in script field")
	}

	// Required keys.
	var missing []string
	for _, key := range []string{keyScript, keyDimensions} {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fail(&ExtractionError{
			Reason: fmt.Sprintf("missing keys: %s", strings.Join(missing, ", ")),
			Text:   candidate,
		})
	}

	rawScript, ok := payload[keyScript].(string)
	if !ok {
		return fail(&ExtractionError{Reason: "openscad_code is not a string", Text: candidate})
	}

	// Dimensions must be a non-empty mapping of numbers. Booleans and
	// strings are not numbers.
	rawDims, ok := payload[keyDimensions].(map[string]interface{})
	if !ok || len(rawDims) == 0 {
		return fail(&ExtractionError{Reason: "invalid dimensions: expected a non-empty mapping", Text: candidate})
	}
	dims := make(map[string]float64, len(rawDims))
	for name, v := range rawDims {
		num, ok := v.(float64)
		if !ok {
			return fail(&ExtractionError{
				Reason: fmt.Sprintf("invalid dimensions: %q is not numeric", name),
				Text:   candidate,
			})
		}
		dims[name] = num
	}

	// Normalize the script: unescape newline sequences, trim surrounding
	// whitespace, end with exactly one newline.
	script := strings.ReplaceAll(rawScript, `\n`, "\n")
	script = strings.TrimSpace(script)
	if script == "" {
		return fail(&ExtractionError{Reason: "empty script", Text: candidate})
	}
	script += "\n"

	if x.config.CollapseCylinderDims {
		dims = collapseCylinderDims(dims)
	}

	logging.ExtractDebug("extracted record: %d script bytes, %d dimensions", len(script), len(dims))
	logging.Audit().ExtractEvent(logging.AuditExtractOK, "")

	return &ModelRecord{
		ScriptText: script,
		Dimensions: dims,
	}, nil
}

// parseObject parses a candidate strictly as a JSON object. Leniency
// here would mask malformed replies, so the strict decoder is the point.
func parseObject(candidate string) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// escapeScriptNewlines escapes literal newlines inside the script
// field's value so the candidate can be re-parsed. Only the captured
// span is touched; the rest of the candidate passes through untouched.
func escapeScriptNewlines(candidate string) (string, bool) {
	loc := scriptFieldRe.FindStringSubmatchIndex(candidate)
	if loc == nil || loc[2] == -1 {
		return "", false
	}
	span := candidate[loc[2]:loc[3]]
	if !strings.Contains(span, "\n") {
		return "", false
	}
	escaped := strings.ReplaceAll(span, "\n", `\n`)
	return candidate[:loc[2]] + escaped + candidate[loc[3]:], true
}

// collapseCylinderDims remaps cylinder-style measurements onto the
// generic width/height/depth triple: the largest diameter bounds the
// cross-section, stacked lengths add up to the depth. Records without
// diameter or length measurements pass through unchanged.
func collapseCylinderDims(dims map[string]float64) map[string]float64 {
	var maxDiameter, totalLength float64
	for name, v := range dims {
		lower := strings.ToLower(name)
		switch {
		case strings.Contains(lower, "diameter"):
			if v > maxDiameter {
				maxDiameter = v
			}
		case strings.Contains(lower, "length"):
			totalLength += v
		}
	}
	if maxDiameter <= 0 || totalLength <= 0 {
		return dims
	}
	return map[string]float64{
		"width":  maxDiameter,
		"height": maxDiameter,
		"depth":  totalLength,
	}
}
