package backend

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/john/flashforge_link/model"
	"github.com/john/flashforge_link/printer"
)

// ExecuteRaw sends a whitelisted raw command over the legacy channel.
func (b *Backend) ExecuteRaw(ctx context.Context, cmd string) printer.CommandResult {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return printer.Failed(fmt.Errorf("empty command"))
	}
	if !b.Features().GCode.Available {
		return b.unsupported("raw commands")
	}
	if !b.model.AllowsCommand(cmd) {
		return printer.Failed(fmt.Errorf("command %s is not allowed on %s",
			model.CommandCode(cmd), b.model.DisplayName))
	}
	if !strings.HasPrefix(cmd, "~") {
		cmd = "~" + cmd
	}
	reply, err := b.legacy.SendRaw(ctx, cmd)
	if err != nil {
		return printer.Failed(err)
	}
	return printer.OK(reply)
}

// jobFallback maps a job verb to its legacy command and the wording used
// when the legacy path succeeds.
var jobFallback = map[printer.JobAction]struct {
	cmd  string
	verb string
}{
	printer.JobPause:    {"~M25", "paused"},
	printer.JobContinue: {"~M24", "resumed"},
	printer.JobCancel:   {"~M26", "cancelled"},
}

// PauseJob pauses the running job.
func (b *Backend) PauseJob(ctx context.Context) printer.CommandResult {
	return b.jobControl(ctx, printer.JobPause)
}

// ResumeJob resumes a paused job.
func (b *Backend) ResumeJob(ctx context.Context) printer.CommandResult {
	return b.jobControl(ctx, printer.JobContinue)
}

// CancelJob cancels the running job.
func (b *Backend) CancelJob(ctx context.Context) printer.CommandResult {
	return b.jobControl(ctx, printer.JobCancel)
}

func (b *Backend) jobControl(ctx context.Context, action printer.JobAction) printer.CommandResult {
	fb := jobFallback[action]

	var modernErr error
	if b.modern != nil {
		if modernErr = b.modern.JobControl(ctx, action); modernErr == nil {
			return printer.OK(fmt.Sprintf("Job %s", fb.verb))
		}
		b.log.Warnw("modern job control failed, trying legacy", "action", action, "err", modernErr)
	}

	if _, err := b.legacy.SendRaw(ctx, fb.cmd); err != nil {
		if modernErr != nil {
			return printer.Failed(fmt.Errorf("%s job: %w (legacy: %v)", action, modernErr, err))
		}
		return printer.Failed(fmt.Errorf("%s job: %w", action, err))
	}
	return printer.OK(fmt.Sprintf("Job %s via legacy", fb.verb))
}

// StartJob starts a stored job. Material mappings are validated against the
// station first and are only honoured by the modern protocol; a legacy
// start is attempted only for jobs without mappings.
func (b *Backend) StartJob(ctx context.Context, req printer.StartJobRequest) printer.CommandResult {
	if req.FileName == "" {
		return printer.Failed(fmt.Errorf("file name is required"))
	}

	if len(req.Mappings) > 0 {
		if b.model.Station == nil || !b.Features().MaterialStation {
			return b.unsupported("material mapping")
		}
		rep, err := b.validateForJob(ctx, req.FileName, req.Mappings)
		if err != nil {
			return printer.Failed(err)
		}
		if !rep.Valid {
			return printer.CommandResult{
				Data:  rep,
				Error: "invalid material mappings: " + strings.Join(rep.Errors, "; "),
			}
		}
	}

	var modernErr error
	if b.modern != nil {
		if modernErr = b.modern.StartJob(ctx, req); modernErr == nil {
			return printer.OK("Job started")
		}
		if len(req.Mappings) > 0 {
			return printer.Failed(fmt.Errorf("start job: %w", modernErr))
		}
		b.log.Warnw("modern start failed, trying legacy", "file", req.FileName, "err", modernErr)
	}

	if _, err := b.legacy.SendRaw(ctx, "~M23 0:/user/"+req.FileName); err != nil {
		if modernErr != nil {
			return printer.Failed(fmt.Errorf("start job: %w (legacy: %v)", modernErr, err))
		}
		return printer.Failed(fmt.Errorf("start job: %w", err))
	}
	return printer.OK("Job started via legacy")
}

// SetLED switches the light. Builtin lights go through the modern control
// when possible; custom lights are driven with M146.
func (b *Backend) SetLED(ctx context.Context, on bool) printer.CommandResult {
	fs := b.Features()
	if !fs.LED.Available() {
		return b.unsupported("led control")
	}

	if fs.LED.Builtin && b.modern != nil {
		err := b.modern.SetLED(ctx, on)
		if err == nil {
			return printer.OK(ledWord(on))
		}
		b.log.Warnw("modern led control failed, trying legacy", "err", err)
	}

	cmd := "~M146 r0 g0 b0 F0"
	if on {
		cmd = "~M146 r255 g255 b255 F0"
	}
	if _, err := b.legacy.SendRaw(ctx, cmd); err != nil {
		return printer.Failed(fmt.Errorf("led control: %w", err))
	}
	return printer.OK(ledWord(on))
}

func ledWord(on bool) string {
	if on {
		return "LED on"
	}
	return "LED off"
}

// Filtration modes accepted by SetFiltration.
const (
	FiltrationOff      = "off"
	FiltrationInternal = "internal"
	FiltrationExternal = "external"
)

// SetFiltration selects the air filtration mode.
func (b *Backend) SetFiltration(ctx context.Context, mode string) printer.CommandResult {
	if !b.Features().Filtration || b.modern == nil {
		return b.unsupported("filtration control")
	}
	var internal, external bool
	switch mode {
	case FiltrationOff:
	case FiltrationInternal:
		internal = true
	case FiltrationExternal:
		external = true
	default:
		return printer.Failed(fmt.Errorf("unknown filtration mode %q", mode))
	}
	if err := b.modern.SetFiltration(ctx, internal, external); err != nil {
		return printer.Failed(fmt.Errorf("filtration control: %w", err))
	}
	return printer.OK("Filtration " + mode)
}

// RecentJobs lists recently printed jobs.
func (b *Backend) RecentJobs(ctx context.Context) printer.CommandResult {
	if !b.Features().Jobs.Recent || b.modern == nil {
		return b.unsupported("recent jobs")
	}
	entries, err := b.modern.RecentJobs(ctx)
	if err != nil {
		return printer.Failed(fmt.Errorf("recent jobs: %w", err))
	}
	return printer.OK(b.transform(entries))
}

// LocalJobs lists jobs stored on the printer. Legacy sessions answer from
// the M661 file listing.
func (b *Backend) LocalJobs(ctx context.Context) printer.CommandResult {
	if !b.Features().Jobs.Local {
		return b.unsupported("local jobs")
	}
	if b.modern != nil {
		entries, err := b.modern.LocalJobs(ctx)
		if err == nil {
			return printer.OK(b.transform(entries))
		}
		b.log.Warnw("modern job list failed, trying legacy", "err", err)
	}
	reply, err := b.legacy.SendRaw(ctx, "~M661")
	if err != nil {
		return printer.Failed(fmt.Errorf("local jobs: %w", err))
	}
	return printer.OK(printer.ParseM661(reply))
}

func (b *Backend) transform(entries []printer.JobEntry) []printer.Job {
	if b.model.TransformJobList != nil {
		return b.model.TransformJobList(entries)
	}
	return model.DefaultJobList(entries)
}

// MaterialStation returns the station status cached by the last status poll.
func (b *Backend) MaterialStation() (printer.MaterialStationStatus, error) {
	if b.model.Station == nil || !b.Features().MaterialStation {
		return printer.MaterialStationStatus{}, printer.Unsupported("material station", b.model.DisplayName)
	}
	return b.model.Station.Status(), nil
}

// ValidateMaterialMappings checks mappings for a stored job against the
// current station contents without starting it.
func (b *Backend) ValidateMaterialMappings(ctx context.Context, fileName string, mappings []printer.MaterialMapping) (model.MappingReport, error) {
	if b.model.Station == nil || !b.Features().MaterialStation {
		return model.MappingReport{}, printer.Unsupported("material mapping", b.model.DisplayName)
	}
	return b.validateForJob(ctx, fileName, mappings)
}

func (b *Backend) validateForJob(ctx context.Context, fileName string, mappings []printer.MaterialMapping) (model.MappingReport, error) {
	if b.modern == nil {
		return model.MappingReport{}, printer.Unsupported("material mapping", b.model.DisplayName)
	}
	entries, err := b.modern.LocalJobs(ctx)
	if err != nil {
		return model.MappingReport{}, fmt.Errorf("load job %s: %w", fileName, err)
	}
	for _, j := range b.transform(entries) {
		if j.FileName == fileName {
			return b.model.Station.ValidateMappings(j.Tools, mappings), nil
		}
	}
	return model.MappingReport{}, fmt.Errorf("job %s not found on printer", fileName)
}

// Uploader is implemented by modern clients able to store files.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader, size int64, startNow, leveling bool) error
}

// UploadJob stores a file on the printer and optionally starts it.
func (b *Backend) UploadJob(ctx context.Context, name string, r io.Reader, size int64, startNow, leveling bool) printer.CommandResult {
	up, ok := b.modern.(Uploader)
	if !ok || !b.Features().Jobs.Upload {
		return b.unsupported("file upload")
	}
	if err := up.Upload(ctx, name, r, size, startNow, leveling); err != nil {
		return printer.Failed(fmt.Errorf("upload %s: %w", name, err))
	}
	if startNow {
		return printer.OK("Uploaded and started " + name)
	}
	return printer.OK("Uploaded " + name)
}
