package payload

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"sensorwatch/internal/errs"
)

var numberPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

type kind int

const (
	kindString kind = iota
	kindNumber
	kindBool
	kindNull
	kindObject
	kindArray
)

func kindOf(raw json.RawMessage) kind {
	if len(raw) == 0 {
		return kindNull
	}
	switch raw[0] {
	case '"':
		return kindString
	case '{':
		return kindObject
	case '[':
		return kindArray
	case 'n':
		return kindNull
	case 't', 'f':
		return kindBool
	default:
		return kindNumber
	}
}

// paramName returns "p01".."p16".
func paramName(i int) string {
	return fmt.Sprintf("p%02d", i)
}

// validateObject runs the required, allow-list, typed and structure stages.
func (v *Validator) validateObject(obj map[string]json.RawMessage) (ValidatedPayload, error) {
	provenance := []Stage{StageDecode}

	for _, field := range RequiredFields {
		raw, ok := obj[field]
		if !ok {
			return ValidatedPayload{}, reject(errs.KindValidation, StageRequired, "missing_"+field, "")
		}
		if kindOf(raw) == kindNull {
			return ValidatedPayload{}, reject(errs.KindValidation, StageRequired, "null_"+field, "")
		}
	}
	provenance = append(provenance, StageRequired)

	actcode, ok := stringValue(obj[FieldActcode])
	if !ok {
		return ValidatedPayload{}, reject(errs.KindValidation, StageAllowList, "invalid_actcode", "actcode must be a string")
	}
	if _, ok := v.actionCodes[actcode]; !ok {
		return ValidatedPayload{}, reject(errs.KindValidation, StageAllowList, "invalid_actcode", actcode)
	}
	if raw, ok := obj[FieldName]; ok {
		name, isString := stringValue(raw)
		if _, allowed := v.names[name]; !isString || !allowed {
			return ValidatedPayload{}, reject(errs.KindValidation, StageAllowList, "invalid_name", string(raw))
		}
	}
	provenance = append(provenance, StageAllowList)

	if raw, ok := obj[FieldValue]; ok && kindOf(raw) != kindString {
		return ValidatedPayload{}, reject(errs.KindValidation, StageTypes, "value_not_string", "")
	}
	for i := 1; i <= ParamCount; i++ {
		name := paramName(i)
		raw, ok := obj[name]
		if !ok {
			continue
		}
		s, isString := stringValue(raw)
		if !isString {
			return ValidatedPayload{}, reject(errs.KindValidation, StageTypes, "param_not_string", name)
		}
		if !validParam(s) {
			return ValidatedPayload{}, reject(errs.KindValidation, StageTypes, "param_out_of_range",
				fmt.Sprintf("%s=%q", name, truncate(s, 32)))
		}
	}
	provenance = append(provenance, StageTypes)

	if len(obj) > v.opts.MaxFields {
		return ValidatedPayload{}, reject(errs.KindValidation, StageStructure, "too_many_fields",
			fmt.Sprintf("%d fields, limit %d", len(obj), v.opts.MaxFields))
	}
	for _, key := range sortedKeys(obj) {
		switch kindOf(obj[key]) {
		case kindObject, kindArray:
			return ValidatedPayload{}, reject(errs.KindValidation, StageStructure, "nested_value", key)
		}
	}
	provenance = append(provenance, StageStructure)

	p := ValidatedPayload{
		ActionCode:    actcode,
		Fields:        make(map[string]string, len(obj)),
		NumericFields: make(map[string]float64),
		Provenance:    provenance,
	}
	for key, raw := range obj {
		var text string
		switch kindOf(raw) {
		case kindNull:
			continue
		case kindString:
			text, _ = stringValue(raw)
		default:
			text = string(raw)
		}
		p.Fields[key] = text
		if numberPattern.MatchString(strings.TrimSpace(text)) {
			if f, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
				p.NumericFields[key] = f
			}
		}
	}
	return p, nil
}

// validParam accepts numbers within the band, or short non-numeric text.
func validParam(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	if numberPattern.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return false
		}
		return f >= MinParamValue && f <= MaxParamValue
	}
	return len(s) <= MaxParamLength
}

func stringValue(raw json.RawMessage) (string, bool) {
	if kindOf(raw) != kindString {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func sortedKeys(obj map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
