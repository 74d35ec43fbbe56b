package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/john/flashforge_link/printer"
)

// Command is a forwarded legacy client call.
type Command func(ctx context.Context, args ...string) (string, error)

// Forwarder is the session's static command table. Entries are closures
// over the legacy client active when Bind ran; each carries the generation
// it was bound in and refuses to run once the table has moved on.
type Forwarder struct {
	mu        sync.RWMutex
	gen       uint64
	connected bool
	table     map[string]Command
}

// NewForwarder returns an unbound forwarder.
func NewForwarder() *Forwarder {
	return &Forwarder{table: map[string]Command{}}
}

type commandSpec struct {
	name  string
	build func(c printer.LegacyClient, allow func(string) bool) Command
}

func fixed(cmd string) func(printer.LegacyClient, func(string) bool) Command {
	return func(c printer.LegacyClient, _ func(string) bool) Command {
		return func(ctx context.Context, _ ...string) (string, error) {
			return c.SendRaw(ctx, cmd)
		}
	}
}

func withTemp(format string) func(printer.LegacyClient, func(string) bool) Command {
	return func(c printer.LegacyClient, _ func(string) bool) Command {
		return func(ctx context.Context, args ...string) (string, error) {
			if len(args) != 1 {
				return "", fmt.Errorf("expected one temperature argument")
			}
			t, err := strconv.Atoi(args[0])
			if err != nil || t < 0 || t > 350 {
				return "", fmt.Errorf("invalid temperature %q", args[0])
			}
			return c.SendRaw(ctx, fmt.Sprintf(format, t))
		}
	}
}

// forwardedCommands is the fixed list of names bound on every connect.
var forwardedCommands = []commandSpec{
	{"home", fixed("~G28")},
	{"led-on", fixed("~M146 r255 g255 b255 F0")},
	{"led-off", fixed("~M146 r0 g0 b0 F0")},
	{"info", fixed("~M115")},
	{"temperatures", fixed("~M105")},
	{"endstops", fixed("~M119")},
	{"progress", fixed("~M27")},
	{"extruder-temp", withTemp("~M104 S%d")},
	{"bed-temp", withTemp("~M140 S%d")},
	{"cool-down", func(c printer.LegacyClient, _ func(string) bool) Command {
		return func(ctx context.Context, _ ...string) (string, error) {
			if _, err := c.SendRaw(ctx, "~M104 S0"); err != nil {
				return "", err
			}
			return c.SendRaw(ctx, "~M140 S0")
		}
	}},
	{"raw", func(c printer.LegacyClient, allow func(string) bool) Command {
		return func(ctx context.Context, args ...string) (string, error) {
			cmd := strings.TrimSpace(strings.Join(args, " "))
			if cmd == "" {
				return "", fmt.Errorf("raw needs a command")
			}
			if allow != nil && !allow(cmd) {
				return "", fmt.Errorf("command %q is not allowed", cmd)
			}
			if !strings.HasPrefix(cmd, "~") {
				cmd = "~" + cmd
			}
			return c.SendRaw(ctx, cmd)
		}
	}},
}

// Bind replaces the whole table with closures over client. The previous
// table is dropped first and the generation bumped, so closures obtained
// through Lookup before this call fail with printer.ErrStaleBinding. The
// returned generation identifies this binding for Release.
func (f *Forwarder) Bind(client printer.LegacyClient, allow func(string) bool) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.table = map[string]Command{}
	f.gen++
	gen := f.gen

	table := make(map[string]Command, len(forwardedCommands))
	for _, fc := range forwardedCommands {
		table[fc.name] = f.guard(gen, fc.build(client, allow))
	}
	f.table = table
	f.connected = true
	return gen
}

// Unbind drops every entry and marks the forwarder disconnected.
func (f *Forwarder) Unbind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table = map[string]Command{}
	f.gen++
	f.connected = false
}

// Release unbinds only if gen is still the live binding. A session closed
// after a newer one was bound leaves the newer table alone.
func (f *Forwarder) Release(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen {
		return false
	}
	f.table = map[string]Command{}
	f.gen++
	f.connected = false
	return true
}

// guard wraps fn with the connected and generation checks.
func (f *Forwarder) guard(gen uint64, fn Command) Command {
	return func(ctx context.Context, args ...string) (string, error) {
		f.mu.RLock()
		current, connected := f.gen, f.connected
		f.mu.RUnlock()

		if current != gen {
			return "", printer.ErrStaleBinding
		}
		if !connected {
			return "", printer.ErrNotConnected
		}
		return fn(ctx, args...)
	}
}

// Lookup returns the bound command for name.
func (f *Forwarder) Lookup(name string) (Command, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.table[name]
	return c, ok
}

// Commands lists the bound names in order.
func (f *Forwarder) Commands() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.table))
	for n := range f.table {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Generation returns the current binding generation.
func (f *Forwarder) Generation() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.gen
}

// Call runs name and wraps the outcome in a CommandResult.
func (f *Forwarder) Call(ctx context.Context, name string, args ...string) printer.CommandResult {
	f.mu.RLock()
	connected := f.connected
	f.mu.RUnlock()
	if !connected {
		return printer.Failed(printer.ErrNotConnected)
	}

	cmd, ok := f.Lookup(name)
	if !ok {
		return printer.Failed(fmt.Errorf("%w: %s", printer.ErrUnknownCommand, name))
	}
	reply, err := cmd(ctx, args...)
	if err != nil {
		return printer.Failed(err)
	}
	return printer.OK(reply)
}
