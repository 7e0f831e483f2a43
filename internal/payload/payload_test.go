package payload

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorwatch/internal/errs"
)

func requireRejected(t *testing.T, err error, kind errs.Kind, stage Stage, reason string) {
	t.Helper()
	require.Error(t, err)
	e := errs.As(err)
	require.NotNil(t, e, "expected classified error, got %v", err)
	assert.Equal(t, kind, e.Kind)
	assert.Equal(t, string(stage), e.Stage)
	assert.Equal(t, reason, e.Reason)
}

func TestValidateLive(t *testing.T) {
	v := New(Options{})

	p, err := v.Validate([]byte(`{"actcode":"live","name":"ain","ch":1,"value":"23.5","p01":"12"}`))
	require.NoError(t, err)

	assert.Equal(t, ActLive, p.ActionCode)
	assert.Equal(t, "LIVE_DATA", p.MessageType())
	assert.Equal(t, "23.5", p.Fields["value"])
	assert.Equal(t, "1", p.Fields["ch"])
	assert.InDelta(t, 23.5, p.NumericFields["value"], 1e-9)
	assert.InDelta(t, 12.0, p.NumericFields["p01"], 1e-9)
	_, numeric := p.Number("name")
	assert.False(t, numeric)
	assert.Equal(t, []Stage{StageDecode, StageRequired, StageAllowList, StageTypes, StageStructure}, p.Provenance)
	assert.Nil(t, p.Array)
}

func TestValidateStages(t *testing.T) {
	v := New(Options{})

	tests := []struct {
		name   string
		body   string
		kind   errs.Kind
		stage  Stage
		reason string
	}{
		{"empty", ``, errs.KindJSONParse, StageDecode, "empty_body"},
		{"scalar", `42`, errs.KindJSONParse, StageDecode, "not_object"},
		{"string", `"live"`, errs.KindJSONParse, StageDecode, "not_object"},
		{"broken json", `{"actcode":`, errs.KindJSONParse, StageDecode, "invalid_json"},
		{"trailing", `{"actcode":"live"}{"actcode":"live"}`, errs.KindJSONParse, StageDecode, "trailing_data"},
		{"script", `{"actcode":"live","value":"<script>"}`, errs.KindJSONParse, StageDecode, "unsafe_content"},
		{"missing actcode", `{"value":"1"}`, errs.KindValidation, StageRequired, "missing_actcode"},
		{"null actcode", `{"actcode":null}`, errs.KindValidation, StageRequired, "null_actcode"},
		{"bad actcode", `{"actcode":"reboot"}`, errs.KindValidation, StageAllowList, "invalid_actcode"},
		{"numeric actcode", `{"actcode":1}`, errs.KindValidation, StageAllowList, "invalid_actcode"},
		{"bad name", `{"actcode":"live","name":"temp"}`, errs.KindValidation, StageAllowList, "invalid_name"},
		{"numeric value", `{"actcode":"live","value":23.5}`, errs.KindValidation, StageTypes, "value_not_string"},
		{"numeric param", `{"actcode":"setres","p01":5}`, errs.KindValidation, StageTypes, "param_not_string"},
		{"param too high", `{"actcode":"setres","p02":"10000.5"}`, errs.KindValidation, StageTypes, "param_out_of_range"},
		{"param too low", `{"actcode":"setres","p16":"-10001"}`, errs.KindValidation, StageTypes, "param_out_of_range"},
		{"param blank", `{"actcode":"setres","p03":"  "}`, errs.KindValidation, StageTypes, "param_out_of_range"},
		{"param long text", `{"actcode":"setres","p04":"` + strings.Repeat("x", 101) + `"}`, errs.KindValidation, StageTypes, "param_out_of_range"},
		{"nested object", `{"actcode":"live","meta":{"a":1}}`, errs.KindValidation, StageStructure, "nested_value"},
		{"nested array", `{"actcode":"live","list":[1,2]}`, errs.KindValidation, StageStructure, "nested_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate([]byte(tt.body))
			requireRejected(t, err, tt.kind, tt.stage, tt.reason)
		})
	}
}

func TestParamBoundaries(t *testing.T) {
	v := New(Options{})

	for _, s := range []string{"10000", "-10000", "0", "9999.99", "auto", strings.Repeat("y", 100)} {
		_, err := v.Validate([]byte(fmt.Sprintf(`{"actcode":"setres","p05":%q}`, s)))
		assert.NoError(t, err, s)
	}
}

func TestMalformedInputRejectedDistinctly(t *testing.T) {
	v := New(Options{})

	big := `{"actcode":"live","value":"` + strings.Repeat("9", 10*1024) + `"}`

	var b strings.Builder
	b.WriteString(`{"actcode":"live"`)
	for i := 1; i < 25; i++ {
		fmt.Fprintf(&b, `,"f%02d":"x"`, i)
	}
	b.WriteString("}")
	wide := b.String()

	nested := `{"actcode":"live","value":"1","meta":{"deep":{"deeper":true}}}`

	reasons := map[string]bool{}
	for _, body := range []string{big, wide, nested} {
		_, err := v.Validate([]byte(body))
		require.Error(t, err)
		e := errs.As(err)
		require.NotNil(t, e)
		require.NotEmpty(t, e.Stage)
		reasons[e.Stage+"/"+e.Reason] = true
	}

	assert.Equal(t, map[string]bool{
		"decode/body_too_large":     true,
		"structure/too_many_fields": true,
		"structure/nested_value":    true,
	}, reasons)
}

func TestValidateIsIdempotent(t *testing.T) {
	v := New(Options{ArrayMode: Merge})

	bodies := []string{
		`{"actcode":"live","value":"1.5"}`,
		`[{"bad":1},{"actcode":"live","value":"2"},{"actcode":"status","value":"ok"}]`,
		`{"actcode":"nope"}`,
	}
	for _, body := range bodies {
		p1, err1 := v.Validate([]byte(body))
		p2, err2 := v.Validate([]byte(body))
		assert.Equal(t, p1, p2)
		assert.Equal(t, err1, err2)
	}
}

func TestArrayFirstValid(t *testing.T) {
	v := New(Options{})

	p, err := v.Validate([]byte(`[{"value":"0"},{"actcode":"live","value":"A"},{"actcode":"live","value":"B"}]`))
	require.NoError(t, err)

	assert.Equal(t, "A", p.Fields["value"])
	require.NotNil(t, p.Array)
	assert.Equal(t, FirstValid, p.Array.Strategy)
	assert.Equal(t, 2, p.Array.ProcessedElementCount)
	assert.Equal(t, 3, p.Array.TotalElements)
	assert.Equal(t, 1, p.Array.SelectedIndex)
	require.Len(t, p.Array.Invalid, 1)
	assert.Equal(t, ElementError{Index: 0, Stage: StageRequired, Reason: "missing_actcode"}, p.Array.Invalid[0])
	assert.Equal(t, StageArray, p.Provenance[len(p.Provenance)-1])
}

func TestArrayMerge(t *testing.T) {
	v := New(Options{ArrayMode: Merge})

	p, err := v.Validate([]byte(`[{"actcode":"live","value":"1","p01":"5"},{"actcode":"status","value":"ok"}]`))
	require.NoError(t, err)

	assert.Equal(t, ActStatus, p.ActionCode)
	assert.Equal(t, "ok", p.Fields["value"])
	assert.Equal(t, "5", p.Fields["p01"])
	_, numeric := p.NumericFields["value"]
	assert.False(t, numeric, "overwritten numeric value must not linger")
	assert.InDelta(t, 5.0, p.NumericFields["p01"], 1e-9)
	assert.Equal(t, 2, p.Array.ProcessedElementCount)
}

func TestArrayActcodeFilter(t *testing.T) {
	v := New(Options{ActcodeFilter: ActSetRes})

	p, err := v.Validate([]byte(`[{"actcode":"live","value":"1"},{"actcode":"setres","p01":"3"}]`))
	require.NoError(t, err)
	assert.Equal(t, ActSetRes, p.ActionCode)
	assert.Equal(t, 1, p.Array.FilteredCount)
	assert.Equal(t, 1, p.Array.ProcessedElementCount)

	_, err = v.Validate([]byte(`[{"actcode":"live","value":"1"}]`))
	requireRejected(t, err, errs.KindArrayParse, StageArray, "no_valid_elements")
}

func TestArrayLimits(t *testing.T) {
	v := New(Options{})

	_, err := v.Validate([]byte(`[]`))
	requireRejected(t, err, errs.KindArrayParse, StageArray, "empty_array")

	_, err = v.Validate([]byte(`[1, "x", {"actcode":"bad"}]`))
	requireRejected(t, err, errs.KindArrayParse, StageArray, "no_valid_elements")

	elems := make([]string, 101)
	for i := range elems {
		elems[i] = `{"actcode":"live"}`
	}
	_, err = v.Validate([]byte("[" + strings.Join(elems, ",") + "]"))
	requireRejected(t, err, errs.KindArrayParse, StageArray, "too_many_elements")

	_, err = v.Validate([]byte("[" + strings.Join(elems[:100], ",") + "]"))
	assert.NoError(t, err)
}

func TestMessageType(t *testing.T) {
	assert.Equal(t, "SETTING_RESPONSE", MessageType(ActSetRes))
	assert.Equal(t, "ACTION_RESPONSE", MessageType(ActActRes))
	assert.Equal(t, "ERROR_MESSAGE", MessageType(ActError))
	assert.Equal(t, "STATUS_MESSAGE", MessageType(ActStatus))
	assert.Equal(t, "UNKNOWN", MessageType("x"))
}
