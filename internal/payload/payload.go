// Package payload validates device message bodies.
//
// A body is either a flat JSON object or a JSON array of flat objects. Objects
// pass through a fixed sequence of stages and the first failing stage rejects
// the message. Arrays are validated element by element and reduced to a single
// payload according to the configured ArrayMode.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"sensorwatch/internal/errs"
)

// Stage names a validation step.
type Stage string

const (
	StageDecode    Stage = "decode"
	StageRequired  Stage = "required"
	StageAllowList Stage = "allow_list"
	StageTypes     Stage = "typed_fields"
	StageStructure Stage = "structure"
	StageArray     Stage = "array"
)

// ArrayMode selects how valid array elements are reduced.
type ArrayMode string

const (
	// FirstValid keeps the first valid element and reports the rest.
	FirstValid ArrayMode = "first_valid"
	// Merge combines every valid element, later keys overwriting earlier ones.
	Merge ArrayMode = "merge"
)

// Field names and limits.
const (
	FieldActcode = "actcode"
	FieldName    = "name"
	FieldValue   = "value"

	DefaultMaxBodyBytes     = 10 * 1024
	DefaultMaxFields        = 20
	DefaultMaxArrayElements = 100
	MaxParamLength          = 100
	MinParamValue           = -10000
	MaxParamValue           = 10000
	ParamCount              = 16
)

// Action codes.
const (
	ActLive   = "live"
	ActSetRes = "setres"
	ActActRes = "actres"
	ActError  = "error"
	ActStatus = "status"
)

var (
	RequiredFields = []string{FieldActcode}
	ActionCodes    = []string{ActLive, ActSetRes, ActActRes, ActError, ActStatus}
	Names          = []string{"ain", "din", "output", "forcedef", "userId"}

	unsafeMarkers = []string{"<script", "javascript:", "onload=", "onerror=", "eval("}
)

// ValidatedPayload is produced only when every stage passed.
type ValidatedPayload struct {
	ActionCode    string             `json:"actionCode"`
	Fields        map[string]string  `json:"fields"`
	NumericFields map[string]float64 `json:"numericFields"`
	// Provenance lists the stages the payload passed, in order.
	Provenance []Stage `json:"provenance"`
	// Array is set when the body was a JSON array.
	Array *ArrayReport `json:"array,omitempty"`
}

// Field returns a scalar field and whether it was present.
func (p ValidatedPayload) Field(name string) (string, bool) {
	v, ok := p.Fields[name]
	return v, ok
}

// Number returns a numeric field and whether it was present and numeric.
func (p ValidatedPayload) Number(name string) (float64, bool) {
	v, ok := p.NumericFields[name]
	return v, ok
}

// MessageType classifies the payload by action code.
func (p ValidatedPayload) MessageType() string {
	return MessageType(p.ActionCode)
}

// MessageType maps an action code to its message class.
func MessageType(actcode string) string {
	switch actcode {
	case ActLive:
		return "LIVE_DATA"
	case ActSetRes:
		return "SETTING_RESPONSE"
	case ActActRes:
		return "ACTION_RESPONSE"
	case ActError:
		return "ERROR_MESSAGE"
	case ActStatus:
		return "STATUS_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// ArrayReport describes how an array body was reduced.
type ArrayReport struct {
	Strategy              ArrayMode      `json:"strategy"`
	TotalElements         int            `json:"totalElements"`
	ProcessedElementCount int            `json:"processedElementCount"`
	FilteredCount         int            `json:"filteredCount"`
	SelectedIndex         int            `json:"selectedIndex"`
	Invalid               []ElementError `json:"invalid,omitempty"`
}

// ElementError records why an array element was discarded.
type ElementError struct {
	Index  int    `json:"index"`
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
}

// Options configures a Validator. Zero values select the defaults.
type Options struct {
	MaxBodyBytes     int
	MaxFields        int
	MaxArrayElements int
	ArrayMode        ArrayMode
	// ActcodeFilter, when set, keeps only array elements with this actcode.
	ActcodeFilter string
}

// Validator runs the validation stages. It holds no mutable state and is safe
// for concurrent use.
type Validator struct {
	opts        Options
	actionCodes map[string]struct{}
	names       map[string]struct{}
}

// New creates a Validator.
func New(opts Options) *Validator {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.MaxFields <= 0 {
		opts.MaxFields = DefaultMaxFields
	}
	if opts.MaxArrayElements <= 0 {
		opts.MaxArrayElements = DefaultMaxArrayElements
	}
	if opts.ArrayMode == "" {
		opts.ArrayMode = FirstValid
	}
	return &Validator{
		opts:        opts,
		actionCodes: toSet(ActionCodes),
		names:       toSet(Names),
	}
}

// Options returns the effective options.
func (v *Validator) Options() Options {
	return v.opts
}

// Validate checks body and returns the normalized payload or a classified
// *errs.Error.
func (v *Validator) Validate(body []byte) (ValidatedPayload, error) {
	if len(body) > v.opts.MaxBodyBytes {
		return ValidatedPayload{}, reject(errs.KindJSONParse, StageDecode, "body_too_large",
			fmt.Sprintf("body is %d bytes, limit %d", len(body), v.opts.MaxBodyBytes))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ValidatedPayload{}, reject(errs.KindJSONParse, StageDecode, "empty_body", "")
	}

	lower := strings.ToLower(string(trimmed))
	for _, marker := range unsafeMarkers {
		if strings.Contains(lower, marker) {
			return ValidatedPayload{}, reject(errs.KindJSONParse, StageDecode, "unsafe_content", marker)
		}
	}

	switch trimmed[0] {
	case '{':
		obj, err := decodeObject(trimmed)
		if err != nil {
			return ValidatedPayload{}, err
		}
		return v.validateObject(obj)
	case '[':
		return v.validateArray(trimmed)
	default:
		return ValidatedPayload{}, reject(errs.KindJSONParse, StageDecode, "not_object",
			"body must be a JSON object or array")
	}
}

// decodeObject decodes exactly one JSON object, keeping numbers as text.
func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&obj); err != nil {
		return nil, errs.Wrap(errs.KindJSONParse, string(StageDecode), "invalid_json", err)
	}
	if dec.More() {
		return nil, reject(errs.KindJSONParse, StageDecode, "trailing_data", "")
	}
	if obj == nil {
		return nil, reject(errs.KindJSONParse, StageDecode, "not_object", "null body")
	}
	return obj, nil
}

func reject(kind errs.Kind, stage Stage, reason, detail string) *errs.Error {
	return errs.New(kind, string(stage), reason, detail)
}

func toSet(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}
