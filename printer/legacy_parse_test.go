package printer

import (
	"testing"
	"time"
)

func TestParseM105(t *testing.T) {
	tests := []struct {
		name              string
		resp              string
		t0, t0Target, bed float64
	}{
		{
			name:     "slash joined",
			resp:     "CMD M105 Received.\r\nT0:200.0/210.0 T1:0.0/0.0 B:60.0/65.0\r\nok\r\n",
			t0:       200,
			t0Target: 210,
			bed:      60,
		},
		{
			name:     "space separated",
			resp:     "ok T:199.5 /210.0 B:55.0 /60.0",
			t0:       199.5,
			t0Target: 210,
			bed:      55,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := map[string]any{}
			ParseM105(tt.resp, m)
			if got := m["t0Temp"]; got != tt.t0 {
				t.Errorf("t0Temp = %v, want %v", got, tt.t0)
			}
			if got := m["t0Target"]; got != tt.t0Target {
				t.Errorf("t0Target = %v, want %v", got, tt.t0Target)
			}
			if got := m["bedTemp"]; got != tt.bed {
				t.Errorf("bedTemp = %v, want %v", got, tt.bed)
			}
		})
	}
}

func TestParseM27AndM119(t *testing.T) {
	m := map[string]any{}
	ParseM27("CMD M27 Received.\r\nSD printing byte 45/100\r\nLayer: 12/200\r\nok\r\n", m)
	ParseM119("CMD M119 Received.\r\nEndstop: X-max:0 Y-max:0 Z-min:1\r\nMachineStatus: BUILDING_FROM_SD\r\nMoveMode: MOVING\r\nLED: 1\r\nCurrentFile: benchy.gx\r\nok\r\n", m)

	if m["progress"] != "45" || m["layer"] != "12" || m["totalLayers"] != "200" {
		t.Fatalf("unexpected M27 fields: %v", m)
	}
	if m["machineStatus"] != "BUILDING_FROM_SD" || m["currentFile"] != "benchy.gx" || m["led"] != "1" {
		t.Fatalf("unexpected M119 fields: %v", m)
	}

	st := FromLegacyFields(m)
	if st.MachineState != "printing" {
		t.Errorf("MachineState = %q, want printing", st.MachineState)
	}
	if st.Progress != 0.45 {
		t.Errorf("Progress = %v, want 0.45", st.Progress)
	}
	if st.Layer != 12 || st.TotalLayers != 200 {
		t.Errorf("layers = %d/%d, want 12/200", st.Layer, st.TotalLayers)
	}
	if !st.LEDOn {
		t.Error("LEDOn should be true")
	}
	if st.FileName != "benchy.gx" {
		t.Errorf("FileName = %q", st.FileName)
	}
}

func TestParseM115(t *testing.T) {
	resp := "CMD M115 Received.\r\nMachine Type: Flashforge Adventurer 5M Pro\r\nMachine Name: Workshop\r\n" +
		"Firmware: v2.7.5\r\nSN: SNMOMC9900728\r\nX: 220 Y: 220 Z: 220\r\nTool Count: 1\r\nMac Address:88:A9:A7:90:01:02\r\nok\r\n"
	info := ParseM115(resp)
	if info.TypeName != "Flashforge Adventurer 5M Pro" {
		t.Errorf("TypeName = %q", info.TypeName)
	}
	if info.Name != "Workshop" || info.Serial != "SNMOMC9900728" || info.Firmware != "v2.7.5" {
		t.Errorf("unexpected info: %+v", info)
	}
	if info.BuildVolumeX != 220 || info.BuildVolumeZ != 220 || info.ToolCount != 1 {
		t.Errorf("unexpected volume/tools: %+v", info)
	}
	if info.MacAddress != "88:A9:A7:90:01:02" {
		t.Errorf("MacAddress = %q", info.MacAddress)
	}
}

func TestFromLegacyFieldsCoercesAliases(t *testing.T) {
	m := map[string]any{
		"status":        "READY",
		"extruderTemp":  "201.5",
		"heatbedTemp":   int64(60),
		"printProgress": 0.5,
		"printTime":     "600",
		"estimatedTime": 500,
	}
	st := FromLegacyFields(m)
	if st.MachineState != "ready" {
		t.Errorf("MachineState = %q", st.MachineState)
	}
	if st.Extruder.Current != 201.5 || st.Bed.Current != 60 {
		t.Errorf("temps = %+v / %+v", st.Extruder, st.Bed)
	}
	if st.Progress != 0.5 {
		t.Errorf("Progress = %v", st.Progress)
	}
	if st.Elapsed != 600*time.Second {
		t.Errorf("Elapsed = %v", st.Elapsed)
	}
	// elapsed exceeds estimate near completion
	if st.Remaining != 0 {
		t.Errorf("Remaining = %v, want 0", st.Remaining)
	}
}

func TestFromLegacyFieldsEmpty(t *testing.T) {
	st := FromLegacyFields(map[string]any{})
	if st.MachineState != "unknown" || st.Progress != 0 {
		t.Errorf("unexpected zero status: %+v", st)
	}
}

func TestNormalizeState(t *testing.T) {
	tests := map[string]string{
		"READY":              "ready",
		"printing":           "printing",
		"BUILDING_COMPLETED": "completed",
		"pausing":            "paused",
		"cancel":             "cancelled",
		"calibrate_doing":    "calibrating",
		"Weird":              "weird",
	}
	for in, want := range tests {
		if got := NormalizeState(in); got != want {
			t.Errorf("NormalizeState(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseM661(t *testing.T) {
	resp := "CMD M661 Received.\r\nok\r\nD\xaa\xaa\x00\x00\x00\x02::\xa3\xa3\x00\x00\x00\x0e/data/benchy.gx::\xa3\xa3\x00\x00\x00\x0f/data/cube.gcode::\xa3\xa3\x00\x00\x00\x0e/data/benchy.gx"
	jobs := ParseM661(resp)
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2: %+v", len(jobs), jobs)
	}
	if jobs[0].FileName != "benchy.gx" || jobs[1].FileName != "cube.gcode" {
		t.Errorf("unexpected names: %+v", jobs)
	}
}
