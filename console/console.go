// Package console implements the pairing-code prompt and the interactive
// printer picker on a terminal.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/john/flashforge_link/printer"
)

// Console reads answers from in and writes prompts to out. When in is a
// terminal, pairing codes are read without echo.
type Console struct {
	in  *bufio.Reader
	out io.Writer

	fd     int
	hidden bool
	// readHidden reads one line without echo; replaced in tests.
	readHidden func(fd int) ([]byte, error)
}

// New returns a console on in/out. Echo is suppressed for pairing codes
// only when in is a terminal.
func New(in *os.File, out io.Writer) *Console {
	c := NewFromReader(in, out)
	c.fd = int(in.Fd())
	c.hidden = term.IsTerminal(c.fd)
	return c
}

// NewFromReader returns a console reading plain lines from r.
func NewFromReader(r io.Reader, out io.Writer) *Console {
	return &Console{
		in:         bufio.NewReader(r),
		out:        out,
		readHidden: term.ReadPassword,
	}
}

type answer struct {
	line string
	err  error
}

// ask prints prompt and waits for a line or ctx. A read abandoned by ctx
// still consumes the next line typed.
func (c *Console) ask(ctx context.Context, prompt string, hidden bool) (string, error) {
	fmt.Fprint(c.out, prompt)

	done := make(chan answer, 1)
	go func() {
		if hidden {
			b, err := c.readHidden(c.fd)
			fmt.Fprintln(c.out)
			done <- answer{string(b), err}
			return
		}
		line, err := c.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		done <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return "", ctx.Err()
	case a := <-done:
		return strings.TrimSpace(a.line), a.err
	}
}

// PairingCode asks for the code shown on the printer's screen. An empty
// answer or end of input cancels pairing.
func (c *Console) PairingCode(ctx context.Context, p printer.DiscoveredPrinter) (string, error) {
	label := p.Name
	if label == "" {
		label = p.IP
	}
	prompt := fmt.Sprintf("Enter the pairing code shown on %s", label)
	if p.Serial != "" {
		prompt += fmt.Sprintf(" (%s)", p.Serial)
	}
	prompt += ", or press Enter to cancel: "

	code, err := c.ask(ctx, prompt, c.hidden)
	if err == io.EOF || (err == nil && code == "") {
		return "", printer.ErrPairingCancelled
	}
	if err != nil {
		return "", fmt.Errorf("reading pairing code: %w", err)
	}
	return code, nil
}

// Select lists printers and reads a choice: a list number, an IPv4 address
// for a printer discovery missed, or an empty line to cancel.
func (c *Console) Select(ctx context.Context, printers []printer.DiscoveredPrinter) (*printer.DiscoveredPrinter, error) {
	if len(printers) == 0 {
		fmt.Fprintln(c.out, "No printers found on the network.")
	} else {
		fmt.Fprintln(c.out, "Printers found:")
		for i, p := range printers {
			fmt.Fprintf(c.out, "  %d. %s", i+1, p.Name)
			if p.Model != "" {
				fmt.Fprintf(c.out, " [%s]", p.Model)
			}
			fmt.Fprintf(c.out, " %s  sn:%s", p.IP, p.Serial)
			if p.Status != "" {
				fmt.Fprintf(c.out, "  (%s)", strings.ToLower(p.Status))
			}
			fmt.Fprintln(c.out)
		}
	}

	for {
		prompt := "Printer IP address, or Enter to cancel: "
		if len(printers) > 0 {
			prompt = fmt.Sprintf("Select [1-%d], type an IP address, or press Enter to cancel: ", len(printers))
		}
		line, err := c.ask(ctx, prompt, false)
		if err == io.EOF {
			return nil, printer.ErrSelectionCancelled
		}
		if err != nil {
			return nil, err
		}
		if line == "" {
			return nil, printer.ErrSelectionCancelled
		}

		if n, err := strconv.Atoi(line); err == nil {
			if n >= 1 && n <= len(printers) {
				p := printers[n-1]
				return &p, nil
			}
			fmt.Fprintf(c.out, "%d is not in the list.\n", n)
			continue
		}
		if ip := net.ParseIP(line); ip != nil && ip.To4() != nil {
			p := printer.DiscoveredPrinter{Name: line, IP: line}
			for _, d := range printers {
				if d.IP == line {
					p = d
					break
				}
			}
			return &p, nil
		}
		fmt.Fprintf(c.out, "%q is neither a list number nor an IPv4 address.\n", line)
	}
}

// ReadCommand shows the command prompt and returns the next line. io.EOF
// means the input was closed.
func (c *Console) ReadCommand(ctx context.Context) (string, error) {
	return c.ask(ctx, "> ", false)
}
