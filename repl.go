package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/john/flashforge_link/console"
	"github.com/john/flashforge_link/printer"
	"github.com/john/flashforge_link/session"
)

const replHelp = `Commands:
  status                     current status (falls back to legacy per call)
  refresh                    one poll right now
  features                   detected feature set
  pause | resume | cancel    job control
  start <file> [level] [tool:slot ...]
  validate <file> tool:slot ...
  upload <path> [start] [level]
  jobs [recent|local]
  led on|off
  filtration off|internal|external
  station                    material station slots
  gcode <command>            whitelisted raw G-code
  commands                   forwarded command names
  <forwarded> [args...]      run a forwarded command (home, cool-down, ...)
  quit
`

type repl struct {
	sess *session.Session
	term *console.Console
	out  io.Writer
}

func (r *repl) run(ctx context.Context) {
	fmt.Fprintf(r.out, "Connected to %s. Type help for commands.\n", r.sess.Name)
	for {
		line, err := r.term.ReadCommand(ctx)
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
		if r.sess.Closed() {
			fmt.Fprintln(r.out, "Session closed.")
			return
		}
		r.exec(ctx, fields[0], fields[1:])
	}
}

func (r *repl) exec(ctx context.Context, cmd string, args []string) {
	switch cmd {
	case "help":
		fmt.Fprint(r.out, replHelp)
	case "status":
		res := r.sess.Status(ctx)
		if !res.Success {
			fmt.Fprintf(r.out, "error: %s\n", res.Error)
			return
		}
		r.print(res.Status)
	case "refresh":
		res, err := r.sess.RefreshNow(ctx)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return
		}
		r.print(res.Status)
	case "features":
		r.print(r.sess.Features())
	case "pause":
		r.result(r.sess.PauseJob(ctx))
	case "resume":
		r.result(r.sess.ResumeJob(ctx))
	case "cancel":
		r.result(r.sess.CancelJob(ctx))
	case "start":
		req, err := parseStart(args)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return
		}
		r.result(r.sess.StartJob(ctx, req))
	case "validate":
		if len(args) < 2 {
			fmt.Fprintln(r.out, "usage: validate <file> tool:slot ...")
			return
		}
		mappings, err := parseMappings(args[1:])
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return
		}
		report, err := r.sess.ValidateMaterialMappings(ctx, args[0], mappings)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return
		}
		r.print(report)
	case "upload":
		r.upload(ctx, args)
	case "jobs":
		if len(args) > 0 && args[0] == "local" {
			r.result(r.sess.LocalJobs(ctx))
			return
		}
		r.result(r.sess.RecentJobs(ctx))
	case "led":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			fmt.Fprintln(r.out, "usage: led on|off")
			return
		}
		r.result(r.sess.SetLED(ctx, args[0] == "on"))
	case "filtration":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "usage: filtration off|internal|external")
			return
		}
		r.result(r.sess.SetFiltration(ctx, args[0]))
	case "station":
		st, err := r.sess.MaterialStation()
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return
		}
		r.print(st)
	case "gcode":
		if len(args) == 0 {
			fmt.Fprintln(r.out, "usage: gcode <command>")
			return
		}
		r.result(r.sess.ExecuteRaw(ctx, strings.Join(args, " ")))
	case "commands":
		fmt.Fprintln(r.out, strings.Join(r.sess.Commands(), " "))
	default:
		res := r.sess.Call(ctx, cmd, args...)
		if errors.Is(res.Err, printer.ErrUnknownCommand) {
			fmt.Fprintf(r.out, "unknown command %q, type help\n", cmd)
			return
		}
		r.result(res)
	}
}

func (r *repl) upload(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(r.out, "usage: upload <path> [start] [level]")
		return
	}
	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}

	var startNow, leveling bool
	for _, a := range args[1:] {
		switch a {
		case "start":
			startNow = true
		case "level":
			leveling = true
		}
	}
	r.result(r.sess.Upload(ctx, filepath.Base(args[0]), f, info.Size(), startNow, leveling))
}

func (r *repl) result(res printer.CommandResult) {
	if !res.Success {
		fmt.Fprintf(r.out, "error: %s\n", res.Error)
		return
	}
	if res.Data == nil {
		fmt.Fprintln(r.out, "ok")
		return
	}
	if s, ok := res.Data.(string); ok {
		fmt.Fprintln(r.out, strings.TrimSpace(s))
		return
	}
	r.print(res.Data)
}

func (r *repl) print(v any) {
	out, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(r.out, "%+v\n", v)
		return
	}
	fmt.Fprint(r.out, string(out))
}

// parseStart reads "start <file> [level] [tool:slot ...]".
func parseStart(args []string) (printer.StartJobRequest, error) {
	if len(args) == 0 {
		return printer.StartJobRequest{}, errors.New("usage: start <file> [level] [tool:slot ...]")
	}
	req := printer.StartJobRequest{FileName: args[0]}
	var pairs []string
	for _, a := range args[1:] {
		if a == "level" {
			req.Leveling = true
			continue
		}
		pairs = append(pairs, a)
	}
	mappings, err := parseMappings(pairs)
	if err != nil {
		return printer.StartJobRequest{}, err
	}
	req.Mappings = mappings
	return req, nil
}

// parseMappings reads "tool:slot" pairs.
func parseMappings(pairs []string) ([]printer.MaterialMapping, error) {
	var out []printer.MaterialMapping
	for _, p := range pairs {
		tool, slot, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("mapping %q is not tool:slot", p)
		}
		t, err := strconv.Atoi(tool)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: bad tool: %w", p, err)
		}
		s, err := strconv.Atoi(slot)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: bad slot: %w", p, err)
		}
		out = append(out, printer.MaterialMapping{ToolID: t, SlotID: s})
	}
	return out, nil
}
