package main

import (
	"testing"

	"github.com/john/flashforge_link/printer"
)

func TestParseStart(t *testing.T) {
	req, err := parseStart([]string{"benchy.3mf", "level", "1:3", "2:1"})
	if err != nil {
		t.Fatal(err)
	}
	want := []printer.MaterialMapping{{ToolID: 1, SlotID: 3}, {ToolID: 2, SlotID: 1}}
	if req.FileName != "benchy.3mf" || !req.Leveling || len(req.Mappings) != 2 {
		t.Fatalf("req = %+v", req)
	}
	for i := range want {
		if req.Mappings[i] != want[i] {
			t.Errorf("mapping %d = %+v, want %+v", i, req.Mappings[i], want[i])
		}
	}

	if _, err := parseStart(nil); err == nil {
		t.Error("empty start accepted")
	}
}

func TestParseMappingsErrors(t *testing.T) {
	for _, in := range []string{"1", "a:1", "1:b"} {
		if _, err := parseMappings([]string{in}); err == nil {
			t.Errorf("%q accepted", in)
		}
	}
}
