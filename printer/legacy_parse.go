package printer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// stripReply removes the "CMD Mxxx Received." banner and trailing "ok".
func stripReply(resp string) []string {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(resp, "\r", ""), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "ok" || strings.HasPrefix(line, "CMD ") {
			continue
		}
		lines = append(lines, strings.TrimPrefix(line, "ok "))
	}
	return lines
}

// ParseM105 parses a temperature reply into the legacy field map.
// Typical formats:
//
//	"T0:200.0/210.0 T1:0.0/0.0 B:60.0/60.0"
//	"T0:200.0 /210.0 B:60.0 /60.0"
func ParseM105(resp string, result map[string]any) {
	for _, line := range stripReply(resp) {
		parts := strings.Fields(line)
		for i := 0; i < len(parts); i++ {
			part := parts[i]
			if !strings.Contains(part, ":") {
				continue
			}
			kv := strings.SplitN(part, ":", 2)
			key, valStr := kv[0], kv[1]

			var current, target float64
			if cur, tgt, ok := strings.Cut(valStr, "/"); ok {
				current, _ = strconv.ParseFloat(cur, 64)
				target, _ = strconv.ParseFloat(tgt, 64)
			} else {
				current, _ = strconv.ParseFloat(valStr, 64)
				if i+1 < len(parts) && strings.HasPrefix(parts[i+1], "/") {
					target, _ = strconv.ParseFloat(strings.TrimPrefix(parts[i+1], "/"), 64)
					i++
				}
			}

			switch key {
			case "T", "T0":
				result["t0Temp"] = current
				result["t0Target"] = target
			case "T1":
				result["t1Temp"] = current
				result["t1Target"] = target
			case "B":
				result["bedTemp"] = current
				result["bedTarget"] = target
			}
		}
	}
}

// ParseM27 parses a print progress reply:
//
//	"SD printing byte 45/100"
//	"Layer: 12/200"
func ParseM27(resp string, result map[string]any) {
	for _, line := range stripReply(resp) {
		switch {
		case strings.HasPrefix(line, "SD printing byte"):
			frac := strings.TrimSpace(strings.TrimPrefix(line, "SD printing byte"))
			if cur, total, ok := strings.Cut(frac, "/"); ok {
				// Percent as a string on purpose: callers coerce.
				result["progress"] = strings.TrimSpace(cur)
				result["progressTotal"] = strings.TrimSpace(total)
			}
		case strings.HasPrefix(line, "Layer:"):
			frac := strings.TrimSpace(strings.TrimPrefix(line, "Layer:"))
			if cur, total, ok := strings.Cut(frac, "/"); ok {
				result["layer"] = strings.TrimSpace(cur)
				result["totalLayers"] = strings.TrimSpace(total)
			}
		}
	}
}

// ParseM119 parses an endstop/status reply:
//
//	"MachineStatus: READY"
//	"MoveMode: READY"
//	"LED: 1"
//	"CurrentFile: benchy.gx"
func ParseM119(resp string, result map[string]any) {
	for _, line := range stripReply(resp) {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "MachineStatus":
			result["machineStatus"] = val
		case "MoveMode":
			result["moveMode"] = val
		case "LED":
			result["led"] = val
		case "CurrentFile":
			result["currentFile"] = val
		}
	}
}

// ParseM115 parses the identity reply.
func ParseM115(resp string) *Info {
	info := &Info{}
	for _, line := range stripReply(resp) {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "Machine Type":
			info.TypeName = val
		case "Machine Name":
			info.Name = val
		case "Firmware":
			info.Firmware = val
		case "SN":
			info.Serial = val
		case "Mac Address":
			info.MacAddress = val
		case "Tool Count":
			info.ToolCount, _ = strconv.Atoi(val)
		case "X":
			// "X: 220 Y: 220 Z: 220"
			fields := strings.Fields(line)
			for i := 0; i+1 < len(fields); i += 2 {
				n, _ := strconv.Atoi(fields[i+1])
				switch strings.TrimSuffix(fields[i], ":") {
				case "X":
					info.BuildVolumeX = n
				case "Y":
					info.BuildVolumeY = n
				case "Z":
					info.BuildVolumeZ = n
				}
			}
		}
	}
	return info
}

// ParseM661 extracts file names from a stored file listing. Entries are
// separated by "::" framing bytes and carry a "/data/" path prefix.
func ParseM661(resp string) []Job {
	var jobs []Job
	seen := map[string]bool{}
	for _, chunk := range strings.FieldsFunc(resp, func(r rune) bool {
		return r == ':' || r == '\n' || r == '\r' || r < 0x20 || r > 0x7e
	}) {
		i := strings.Index(chunk, "/data/")
		if i < 0 {
			continue
		}
		name := strings.TrimSpace(chunk[i+len("/data/"):])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		jobs = append(jobs, Job{FileName: name})
	}
	return jobs
}

// FromLegacyFields converts the loosely typed legacy field map into a Status.
// Field names differ between firmware revisions, so several aliases are
// tried for each value, and numbers may arrive as strings.
func FromLegacyFields(m map[string]any) Status {
	st := Status{
		MachineState: NormalizeState(stringFromMap(m, "machineStatus", "status", "state")),
		Extruder: Temperature{
			Current: floatFromMap(m, "t0Temp", "extruderTemp", "nozzleTemp"),
			Target:  floatFromMap(m, "t0Target", "extruderTarget", "nozzleTarget"),
		},
		Bed: Temperature{
			Current: floatFromMap(m, "bedTemp", "heatbedTemp", "platTemp"),
			Target:  floatFromMap(m, "bedTarget", "heatbedTarget", "platTarget"),
		},
		Layer:       int(floatFromMap(m, "layer", "currentLayer", "printLayer")),
		TotalLayers: int(floatFromMap(m, "totalLayers", "targetLayer")),
		FileName:    stringFromMap(m, "currentFile", "fileName", "printFileName"),
		Elapsed:     Seconds(floatFromMap(m, "elapsedTime", "printTime", "printDuration")),
		Estimated:   Seconds(floatFromMap(m, "estimatedTime", "estimateTime")),
	}

	// Legacy progress is a byte percentage (0-100) unless a total says otherwise.
	progress := floatFromMap(m, "progress", "printProgress")
	if total := floatFromMap(m, "progressTotal"); total > 0 {
		progress = progress / total
	} else if progress > 1 {
		progress = progress / 100.0
	}
	if progress > 1 {
		progress = 1
	}
	st.Progress = progress

	switch strings.ToLower(stringFromMap(m, "led", "lightStatus")) {
	case "1", "on", "open", "true":
		st.LEDOn = true
	}

	st.Remaining = RemainingTime(st.Estimated, st.Elapsed)
	return st
}

// NormalizeState maps modern and legacy machine state spellings onto one vocabulary.
func NormalizeState(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ready", "idle":
		return "ready"
	case "printing", "building_from_sd", "building", "running":
		return "printing"
	case "paused", "pausing", "pause":
		return "paused"
	case "completed", "building_completed", "complete":
		return "completed"
	case "cancel", "cancelled", "canceled":
		return "cancelled"
	case "busy":
		return "busy"
	case "heating":
		return "heating"
	case "calibrate_doing", "calibrating":
		return "calibrating"
	case "error":
		return "error"
	case "":
		return "unknown"
	default:
		return strings.ToLower(raw)
	}
}

// Seconds converts a fractional second count, clamping negatives to zero.
func Seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// floatFromMap tries multiple keys and returns the first numeric value found.
func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			return val
		case float32:
			return float64(val)
		case int:
			return float64(val)
		case int64:
			return float64(val)
		case json.Number:
			if f, err := val.Float64(); err == nil {
				return f
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
