package ffclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/john/flashforge_link/printer"
)

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter()
	var got []printer.RawEventKind
	unsub := e.Subscribe(func(ev printer.RawEvent) { got = append(got, ev.Kind) })

	e.Emit(printer.RawEvent{Kind: printer.RawStatus})
	unsub()
	unsub()
	e.Emit(printer.RawEvent{Kind: printer.RawError})

	if len(got) != 1 || got[0] != printer.RawStatus {
		t.Fatalf("got %v", got)
	}
	if e.Subscribers() != 0 {
		t.Fatalf("Subscribers = %d", e.Subscribers())
	}
}

// fakeModern answers the modern HTTP API from a fixed table.
func fakeModern(t *testing.T, checkCode string) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var calls []string

	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, r *http.Request, payload map[string]any) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		calls = append(calls, r.URL.Path)
		mu.Unlock()
		if body["checkCode"] != checkCode {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 1, "message": "check code error"})
			return
		}
		payload["code"] = 0
		payload["message"] = "Success"
		_ = json.NewEncoder(w).Encode(payload)
	}
	mux.HandleFunc("/detail", func(w http.ResponseWriter, r *http.Request) {
		reply(w, r, map[string]any{"detail": map[string]any{
			"status": "printing", "rightTemp": 210.5, "rightTargetTemp": 215, "platTemp": 60, "printProgress": 0.25,
		}})
	})
	mux.HandleFunc("/product", func(w http.ResponseWriter, r *http.Request) {
		reply(w, r, map[string]any{"product": map[string]any{"lightCtrlState": 1, "internalFanCtrlState": 0}})
	})
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		reply(w, r, map[string]any{})
	})
	mux.HandleFunc("/gcodeList", func(w http.ResponseWriter, r *http.Request) {
		reply(w, r, map[string]any{"gcodeList": []string{"a.gx", "b.gx"}})
	})
	mux.HandleFunc("/uploadGcode", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("checkCode") != checkCode {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 1, "message": "check code error"})
			return
		}
		f, _, err := r.FormFile("gcodeFile")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = io.Copy(io.Discard, f)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "Success"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestModernDetailAndEvents(t *testing.T) {
	srv, _ := fakeModern(t, "1234")
	events := NewEmitter()
	var kinds []printer.RawEventKind
	events.Subscribe(func(ev printer.RawEvent) { kinds = append(kinds, ev.Kind) })

	m := NewModern(srv.URL, "SN1", "1234", srv.Client(), events, nil)
	d, err := m.Detail(context.Background())
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if d.Status != "printing" || d.RightTemp != 210.5 || d.PrintProgress != 0.25 {
		t.Errorf("unexpected detail: %+v", d)
	}
	if len(kinds) != 2 || kinds[0] != printer.RawStatus || kinds[1] != printer.RawTemperature {
		t.Errorf("events = %v", kinds)
	}

	p, err := m.Product(context.Background())
	if err != nil || p.LightCtrlState != 1 {
		t.Fatalf("Product = %+v, %v", p, err)
	}
}

func TestModernBadCheckCode(t *testing.T) {
	srv, _ := fakeModern(t, "1234")
	m := NewModern(srv.URL, "SN1", "0000", srv.Client(), nil, nil)

	_, err := m.Detail(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 1 {
		t.Fatalf("want APIError, got %v", err)
	}
}

func TestModernTransportError(t *testing.T) {
	srv, _ := fakeModern(t, "1234")
	url := srv.URL
	srv.Close()

	m := NewModern(url, "SN1", "1234", nil, nil, nil)
	err := m.JobControl(context.Background(), printer.JobPause)
	if !printer.IsConnectionFault(err) {
		t.Fatalf("closed server should be a connection fault: %v", err)
	}
}

func TestModernJobListFallsBackToNames(t *testing.T) {
	srv, _ := fakeModern(t, "1234")
	m := NewModern(srv.URL, "SN1", "1234", srv.Client(), nil, nil)
	entries, err := m.RecentJobs(context.Background())
	if err != nil || len(entries) != 2 || entries[1].FileName != "b.gx" {
		t.Fatalf("RecentJobs = %+v, %v", entries, err)
	}
}

func TestModernUploadEvents(t *testing.T) {
	srv, _ := fakeModern(t, "1234")
	events := NewEmitter()
	var mu sync.Mutex
	var kinds []printer.RawEventKind
	events.Subscribe(func(ev printer.RawEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	m := NewModern(srv.URL, "SN1", "1234", srv.Client(), events, nil)
	data := strings.Repeat("G1 X10\n", 1000)
	if err := m.Upload(context.Background(), "cube.gx", strings.NewReader(data), int64(len(data)), false, false); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if kinds[0] != printer.RawUploadStarted || kinds[len(kinds)-1] != printer.RawUploadDone {
		t.Fatalf("events = %v", kinds)
	}
}

// fakeLegacy is a loopback legacy printer answering a few commands.
type fakeLegacy struct {
	ln       net.Listener
	mu       sync.Mutex
	received []string
	conns    []net.Conn
	delays   map[string]time.Duration
}

func newFakeLegacy(t *testing.T, replies map[string]string) *fakeLegacy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeLegacy{ln: ln}
	t.Cleanup(func() { f.close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.conns = append(f.conns, conn)
			f.mu.Unlock()
			go f.serve(conn, replies)
		}
	}()
	return f
}

func (f *fakeLegacy) serve(conn net.Conn, replies map[string]string) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		cmd := strings.TrimSpace(sc.Text())
		f.mu.Lock()
		f.received = append(f.received, cmd)
		f.mu.Unlock()

		code := strings.Fields(strings.TrimPrefix(cmd, "~"))[0]
		if code == "M602" {
			return
		}
		body, ok := replies[code]
		if !ok {
			body = ""
		}
		f.mu.Lock()
		delay := f.delays[code]
		f.mu.Unlock()
		time.Sleep(delay)
		resp := "CMD " + code + " Received.\r\n" + body
		if body != "" && !strings.HasSuffix(body, "\r\n") {
			resp += "\r\n"
		}
		resp += "ok\r\n"
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

// delay holds back the reply to code.
func (f *fakeLegacy) delay(code string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delays == nil {
		f.delays = map[string]time.Duration{}
	}
	f.delays[code] = d
}

func (f *fakeLegacy) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func (f *fakeLegacy) addr() string { return f.ln.Addr().String() }

func (f *fakeLegacy) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func (f *fakeLegacy) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
}

func (f *fakeLegacy) close() {
	f.ln.Close()
	f.dropConnections()
}

var legacyReplies = map[string]string{
	"M601": "Control Success.",
	"M115": "Machine Type: Flashforge Adventurer 5M Pro\r\nMachine Name: Shop Pro\r\nFirmware: v2.7.5\r\nSN: SNMOMC9900728\r\nX: 220 Y: 220 Z: 220\r\nTool Count: 1",
	"M119": "Endstop: X-max:0 Y-max:0 Z-min:1\r\nMachineStatus: READY\r\nMoveMode: READY\r\nLED: 1\r\nCurrentFile: ",
	"M105": "T0:24.5/0.0 T1:0.0/0.0 B:23.0/0.0",
	"M27":  "SD printing byte 0/100\r\nLayer: 0/0",
}

func TestLegacyLoginInfoStatus(t *testing.T) {
	f := newFakeLegacy(t, legacyReplies)
	events := NewEmitter()
	var mu sync.Mutex
	var kinds []printer.RawEventKind
	events.Subscribe(func(ev printer.RawEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := DialLegacy(ctx, f.addr(), events, nil)
	if err != nil {
		t.Fatalf("DialLegacy: %v", err)
	}
	defer l.Close()

	info, err := l.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.TypeName != "Flashforge Adventurer 5M Pro" || info.Serial != "SNMOMC9900728" || info.BuildVolumeZ != 220 {
		t.Errorf("unexpected info: %+v", info)
	}

	fields, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	st := printer.FromLegacyFields(fields)
	if st.MachineState != "ready" || st.Extruder.Current != 24.5 || !st.LEDOn {
		t.Errorf("unexpected status: %+v", st)
	}

	reply, err := l.SendRaw(ctx, "~M105")
	if err != nil || !strings.Contains(reply, "T0:24.5") {
		t.Fatalf("SendRaw = %q, %v", reply, err)
	}

	cmds := f.commands()
	if cmds[0] != "~M601 S1" {
		t.Errorf("first command should be the login, got %q", cmds[0])
	}

	mu.Lock()
	defer mu.Unlock()
	if kinds[0] != printer.RawInfo || kinds[len(kinds)-1] != printer.RawCommand {
		t.Errorf("events = %v", kinds)
	}
}

func TestLegacyLateReplyNotHandedToNextCommand(t *testing.T) {
	f := newFakeLegacy(t, legacyReplies)
	f.delay("M27", 300*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := DialLegacy(ctx, f.addr(), NewEmitter(), nil)
	if err != nil {
		t.Fatalf("DialLegacy: %v", err)
	}
	defer l.Close()

	l.timeout = 150 * time.Millisecond
	if _, err := l.SendRaw(ctx, "~M27"); err == nil {
		t.Fatal("slow M27 should time out")
	}

	l.timeout = 2 * time.Second
	reply, err := l.SendRaw(ctx, "~M115")
	if err != nil {
		t.Fatalf("SendRaw(M115): %v", err)
	}
	if strings.Contains(reply, "M27") || !strings.Contains(reply, "CMD M115 Received.") {
		t.Fatalf("M115 got reply %q", reply)
	}
}

func TestReplyMatches(t *testing.T) {
	tests := []struct {
		cmd, reply string
		want       bool
	}{
		{"~M27", "CMD M27 Received.\nSD printing byte 0/100\nok", true},
		{"~M115", "CMD M27 Received.\nSD printing byte 0/100\nok", false},
		{"~M601 S1", "CMD M601 Received.\nControl Success.\nok", true},
		{"~g28", "CMD G28 Received.\nok", true},
		{"~M105", "T0:24.5/0.0\nok", true},
	}
	for _, tt := range tests {
		if got := replyMatches(commandCode(tt.cmd), tt.reply); got != tt.want {
			t.Errorf("replyMatches(%q, %q) = %v, want %v", tt.cmd, tt.reply, got, tt.want)
		}
	}
}

func TestLegacyReadFaultEmitsError(t *testing.T) {
	f := newFakeLegacy(t, legacyReplies)
	events := NewEmitter()
	errs := make(chan error, 1)
	events.Subscribe(func(ev printer.RawEvent) {
		if ev.Kind == printer.RawError {
			select {
			case errs <- ev.Err:
			default:
			}
		}
	})

	l, err := DialLegacy(context.Background(), f.addr(), events, nil)
	if err != nil {
		t.Fatalf("DialLegacy: %v", err)
	}
	defer l.Close()

	f.dropConnections()

	select {
	case err := <-errs:
		if !printer.IsConnectionFault(err) {
			t.Errorf("read fault should classify as a connection fault: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no RawError after the peer dropped")
	}
}

func TestLegacyCloseIdempotent(t *testing.T) {
	f := newFakeLegacy(t, legacyReplies)
	l, err := DialLegacy(context.Background(), f.addr(), nil, nil)
	if err != nil {
		t.Fatalf("DialLegacy: %v", err)
	}
	_ = l.Close()
	_ = l.Close()
	if _, err := l.SendRaw(context.Background(), "~M105"); err == nil {
		t.Fatal("SendRaw after Close should fail")
	}
}

func TestDialerProbeAndDial(t *testing.T) {
	f := newFakeLegacy(t, legacyReplies)
	d := NewDialer(nil)
	d.LegacyPort = f.port()

	info, err := d.Probe(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Name != "Shop Pro" {
		t.Errorf("Name = %q", info.Name)
	}

	pair, err := d.Dial(context.Background(), printer.DialTarget{IP: "127.0.0.1", Serial: "SN", PairingCode: "1234"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer pair.Close()
	if pair.Modern == nil || pair.Legacy == nil || pair.Events == nil {
		t.Fatalf("incomplete pair: %+v", pair)
	}

	legacyOnly, err := d.Dial(context.Background(), printer.DialTarget{IP: "127.0.0.1", Legacy: true})
	if err != nil {
		t.Fatalf("Dial legacy: %v", err)
	}
	defer legacyOnly.Close()
	if legacyOnly.Modern != nil {
		t.Fatal("legacy target must not get a modern client")
	}
}

func TestDialerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	d := NewDialer(nil)
	d.LegacyPort = port
	_, err = d.Probe(context.Background(), "127.0.0.1")
	if !printer.IsConnectionFault(err) {
		t.Fatalf("refused dial should be a connection fault: %v", err)
	}
}
