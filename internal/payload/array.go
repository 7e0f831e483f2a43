package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"sensorwatch/internal/errs"
)

func (v *Validator) validateArray(data []byte) (ValidatedPayload, error) {
	var elements []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&elements); err != nil {
		return ValidatedPayload{}, errs.Wrap(errs.KindJSONParse, string(StageDecode), "invalid_json", err)
	}
	if dec.More() {
		return ValidatedPayload{}, reject(errs.KindJSONParse, StageDecode, "trailing_data", "")
	}

	if len(elements) == 0 {
		return ValidatedPayload{}, reject(errs.KindArrayParse, StageArray, "empty_array", "")
	}
	if len(elements) > v.opts.MaxArrayElements {
		return ValidatedPayload{}, reject(errs.KindArrayParse, StageArray, "too_many_elements",
			fmt.Sprintf("%d elements, limit %d", len(elements), v.opts.MaxArrayElements))
	}

	report := &ArrayReport{
		Strategy:      v.opts.ArrayMode,
		TotalElements: len(elements),
		SelectedIndex: -1,
	}

	var valid []ValidatedPayload
	for i, raw := range elements {
		p, err := v.validateElement(raw)
		if err != nil {
			e := errs.As(err)
			report.Invalid = append(report.Invalid, ElementError{Index: i, Stage: Stage(e.Stage), Reason: e.Reason})
			continue
		}
		if v.opts.ActcodeFilter != "" && p.ActionCode != v.opts.ActcodeFilter {
			report.FilteredCount++
			continue
		}
		if report.SelectedIndex < 0 {
			report.SelectedIndex = i
		}
		valid = append(valid, p)
	}

	report.ProcessedElementCount = len(valid)
	if len(valid) == 0 {
		return ValidatedPayload{}, reject(errs.KindArrayParse, StageArray, "no_valid_elements",
			fmt.Sprintf("%d elements, %d invalid, %d filtered", len(elements), len(report.Invalid), report.FilteredCount))
	}

	var out ValidatedPayload
	switch v.opts.ArrayMode {
	case Merge:
		out = merge(valid)
	default:
		out = valid[0]
	}
	out.Provenance = append(out.Provenance, StageArray)
	out.Array = report
	return out, nil
}

func (v *Validator) validateElement(raw json.RawMessage) (ValidatedPayload, error) {
	if kindOf(raw) != kindObject {
		return ValidatedPayload{}, reject(errs.KindJSONParse, StageDecode, "not_object", "")
	}
	obj, err := decodeObject(raw)
	if err != nil {
		return ValidatedPayload{}, err
	}
	return v.validateObject(obj)
}

// merge folds the valid elements in order; later keys overwrite earlier ones.
func merge(valid []ValidatedPayload) ValidatedPayload {
	out := ValidatedPayload{
		Fields:        make(map[string]string),
		NumericFields: make(map[string]float64),
		Provenance:    append([]Stage(nil), valid[0].Provenance...),
	}
	for _, p := range valid {
		for k, val := range p.Fields {
			out.Fields[k] = val
			if _, numeric := p.NumericFields[k]; !numeric {
				delete(out.NumericFields, k)
			}
		}
		for k, f := range p.NumericFields {
			out.NumericFields[k] = f
		}
	}
	out.ActionCode = out.Fields[FieldActcode]
	return out
}
