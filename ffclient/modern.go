package ffclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/printer"
)

// ModernPort is the HTTP port of the modern protocol.
const ModernPort = 8898

// Modern is the modern protocol client. Every request carries the printer
// serial number and the pairing (check) code.
type Modern struct {
	baseURL   string
	serial    string
	checkCode string
	http      *http.Client
	events    *Emitter
	log       *logger.Logger
}

// NewModern creates a client for baseURL ("http://ip:8898").
func NewModern(baseURL, serial, checkCode string, hc *http.Client, events *Emitter, log *logger.Logger) *Modern {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Modern{
		baseURL:   baseURL,
		serial:    serial,
		checkCode: checkCode,
		http:      hc,
		events:    events,
		log:       log,
	}
}

// envelope is the common response wrapper; code 0 means success.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// APIError is a non-zero response code from the printer.
type APIError struct {
	Path    string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: printer returned code %d: %s", e.Path, e.Code, e.Message)
}

func (m *Modern) auth() map[string]any {
	return map[string]any{"serialNumber": m.serial, "checkCode": m.checkCode}
}

// post sends body as JSON to path and decodes the reply into out.
func (m *Modern) post(ctx context.Context, path string, body map[string]any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return m.do(req, path, out)
}

func (m *Modern) do(req *http.Request, path string, out any) error {
	resp, err := m.http.Do(req)
	if err != nil {
		return &printer.TransportError{Op: path, Addr: m.baseURL, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &printer.TransportError{Op: path, Addr: m.baseURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed (HTTP %d): %s", path, resp.StatusCode, string(respBody))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	if env.Code != 0 {
		return &APIError{Path: path, Code: env.Code, Message: env.Message}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}

// Detail fetches the machine detail.
func (m *Modern) Detail(ctx context.Context) (*printer.MachineDetail, error) {
	var resp struct {
		Detail *printer.MachineDetail `json:"detail"`
	}
	if err := m.post(ctx, "/detail", m.auth(), &resp); err != nil {
		return nil, err
	}
	if resp.Detail == nil {
		return nil, fmt.Errorf("/detail: empty detail")
	}
	d := resp.Detail
	m.events.Emit(printer.RawEvent{Kind: printer.RawStatus, State: d.Status})
	m.events.Emit(printer.RawEvent{Kind: printer.RawTemperature, Temps: map[string]printer.Temperature{
		"extruder": {Current: d.RightTemp, Target: d.RightTargetTemp},
		"bed":      {Current: d.PlatTemp, Target: d.PlatTargetTemp},
	}})
	return d, nil
}

// Product fetches the hardware control capabilities.
func (m *Modern) Product(ctx context.Context) (*printer.Product, error) {
	var resp struct {
		Product *printer.Product `json:"product"`
	}
	if err := m.post(ctx, "/product", m.auth(), &resp); err != nil {
		return nil, err
	}
	if resp.Product == nil {
		return nil, fmt.Errorf("/product: empty product")
	}
	return resp.Product, nil
}

func (m *Modern) control(ctx context.Context, cmd string, args map[string]any) error {
	body := m.auth()
	body["payload"] = map[string]any{"cmd": cmd, "args": args}
	err := m.post(ctx, "/control", body, nil)
	m.events.Emit(printer.RawEvent{Kind: printer.RawCommand, Command: cmd, Err: err})
	return err
}

// JobControl pauses, resumes or cancels the current job.
func (m *Modern) JobControl(ctx context.Context, action printer.JobAction) error {
	return m.control(ctx, "jobCtl_cmd", map[string]any{"jobID": "", "action": string(action)})
}

// SetLED switches the chamber light.
func (m *Modern) SetLED(ctx context.Context, on bool) error {
	return m.control(ctx, "lightControl_cmd", map[string]any{"status": openClose(on)})
}

// SetFiltration drives the internal and external filtration fans.
func (m *Modern) SetFiltration(ctx context.Context, internal, external bool) error {
	return m.control(ctx, "circulateCtl_cmd", map[string]any{
		"internal": openClose(internal),
		"external": openClose(external),
	})
}

func openClose(on bool) string {
	if on {
		return "open"
	}
	return "close"
}

type mappingPayload struct {
	ToolID int `json:"toolId"`
	SlotID int `json:"slotId"`
}

// StartJob starts a stored file, with material mappings when given.
func (m *Modern) StartJob(ctx context.Context, req printer.StartJobRequest) error {
	body := m.auth()
	body["fileName"] = req.FileName
	body["levelingBeforePrint"] = req.Leveling
	if len(req.Mappings) > 0 {
		mp := make([]mappingPayload, 0, len(req.Mappings))
		for _, x := range req.Mappings {
			mp = append(mp, mappingPayload{ToolID: x.ToolID, SlotID: x.SlotID})
		}
		body["useMatlStation"] = true
		body["gcodeToolCnt"] = len(mp)
		body["materialMappings"] = mp
	}
	err := m.post(ctx, "/printGcode", body, nil)
	m.events.Emit(printer.RawEvent{Kind: printer.RawCommand, Command: "printGcode " + req.FileName, Err: err})
	return err
}

// RecentJobs lists recently printed files.
func (m *Modern) RecentJobs(ctx context.Context) ([]printer.JobEntry, error) {
	return m.jobList(ctx, "/gcodeList")
}

// LocalJobs lists files stored on the printer.
func (m *Modern) LocalJobs(ctx context.Context) ([]printer.JobEntry, error) {
	return m.jobList(ctx, "/gcodeList")
}

// jobList accepts both the detailed listing and the older bare name list.
func (m *Modern) jobList(ctx context.Context, path string) ([]printer.JobEntry, error) {
	var resp struct {
		Names   []string           `json:"gcodeList"`
		Details []printer.JobEntry `json:"gcodeListDetail"`
	}
	if err := m.post(ctx, path, m.auth(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Details) > 0 {
		return resp.Details, nil
	}
	entries := make([]printer.JobEntry, 0, len(resp.Names))
	for _, n := range resp.Names {
		entries = append(entries, printer.JobEntry{FileName: n})
	}
	return entries, nil
}

// progressReader reports bytes read to onRead.
type progressReader struct {
	r      io.Reader
	sent   int64
	onRead func(sent int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.onRead(p.sent)
	}
	return n, err
}

// Upload streams a file to the printer, optionally starting it.
func (m *Modern) Upload(ctx context.Context, name string, r io.Reader, size int64, startNow, leveling bool) error {
	progress := printer.UploadProgress{FileName: name, Total: size}
	m.events.Emit(printer.RawEvent{Kind: printer.RawUploadStarted, Upload: progress})

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("gcodeFile", name)
		if err == nil {
			_, err = io.Copy(part, &progressReader{r: r, onRead: func(sent int64) {
				p := progress
				p.Sent = sent
				m.events.Emit(printer.RawEvent{Kind: printer.RawUploadProgress, Upload: p})
			}})
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/uploadGcode", pr)
	if err != nil {
		pr.CloseWithError(err)
		m.events.Emit(printer.RawEvent{Kind: printer.RawUploadDone, Upload: progress, Err: err})
		return fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("serialNumber", m.serial)
	req.Header.Set("checkCode", m.checkCode)
	req.Header.Set("fileSize", strconv.FormatInt(size, 10))
	req.Header.Set("printNow", strconv.FormatBool(startNow))
	req.Header.Set("levelingBeforePrint", strconv.FormatBool(leveling))

	err = m.do(req, "/uploadGcode", nil)
	pr.CloseWithError(err)
	progress.Sent = size
	m.events.Emit(printer.RawEvent{Kind: printer.RawUploadDone, Upload: progress, Err: err})
	if err != nil {
		m.log.Warnw("upload failed", "file", name, "err", err)
	}
	return err
}

// Close releases idle HTTP connections.
func (m *Modern) Close() error {
	m.http.CloseIdleConnections()
	return nil
}
