package alarm

import (
	"strconv"

	"sensorwatch/internal/storage"
)

// Evaluate reports whether alarm type t holds for reading r under cfg, along
// with the warning text describing it. A disabled type never fires.
// Thresholds are strict: a value equal to the threshold does not fire.
func Evaluate(t storage.AlarmType, cfg *storage.AlarmConfig, r *storage.SensorReading) (bool, string) {
	if cfg == nil || r == nil {
		return false, ""
	}

	switch t {
	case storage.AlarmHigh:
		text := "high temperature (set " + formatValue(cfg.HighThreshold) + "°C, current " + currentValue(r) + "°C)"
		return cfg.HighEnabled && r.HasValue && !r.ErrorFlag && r.Value > cfg.HighThreshold, text
	case storage.AlarmLow:
		text := "low temperature (set " + formatValue(cfg.LowThreshold) + "°C, current " + currentValue(r) + "°C)"
		return cfg.LowEnabled && r.HasValue && !r.ErrorFlag && r.Value < cfg.LowThreshold, text
	case storage.AlarmDI:
		return cfg.DIEnabled && r.DIFault, "DI alarm (error, current " + currentValue(r) + ")"
	case storage.AlarmNet:
		return cfg.NetEnabled && r.ErrorFlag, "communication error"
	default:
		return false, ""
	}
}

// Message builds the notification body for a fired alarm
func Message(cfg *storage.AlarmConfig, sensorUUID, text string) string {
	name := sensorUUID
	if cfg != nil && cfg.SensorName != "" {
		name = cfg.SensorName
	}
	return name + " device fault: " + text
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func currentValue(r *storage.SensorReading) string {
	if r.HasValue {
		return formatValue(r.Value)
	}
	return r.RawValue
}
