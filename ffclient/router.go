package ffclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// replyRouter owns the read side of a legacy connection. It groups incoming
// lines into replies terminated by an "ok" line and hands each reply to the
// caller waiting for it. A reply whose "CMD <code> Received." banner names a
// different command, or one arriving with nobody waiting, is unsolicited.
type replyRouter struct {
	conn          net.Conn
	mu            sync.Mutex
	pending       *waiter
	onUnsolicited func(reply string)
	onDisconnect  func(err error)
	stopped       atomic.Bool
	done          chan struct{}
	pollEvery     time.Duration
}

// waiter is the caller expecting the reply to command code.
type waiter struct {
	code string
	ch   chan string
}

func newReplyRouter(conn net.Conn, unsolicited func(string), disconnect func(error)) *replyRouter {
	return &replyRouter{
		conn:          conn,
		onUnsolicited: unsolicited,
		onDisconnect:  disconnect,
		done:          make(chan struct{}),
		pollEvery:     time.Second,
	}
}

func (r *replyRouter) start() {
	go r.readLoop()
}

// stop ends the read loop and waits for it.
func (r *replyRouter) stop() {
	r.stopped.Store(true)
	<-r.done
}

func (r *replyRouter) readLoop() {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		if r.pending != nil {
			close(r.pending.ch)
			r.pending = nil
		}
		r.mu.Unlock()
	}()

	br := bufio.NewReader(r.conn)
	var lines []string
	var partial string
	for {
		if r.stopped.Load() {
			return
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(r.pollEvery))
		line, err := br.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				partial += line
				continue
			}
			if !r.stopped.Load() && r.onDisconnect != nil {
				r.onDisconnect(err)
			}
			return
		}

		line = strings.TrimRight(partial+line, "\r\n")
		partial = ""
		lines = append(lines, line)
		if strings.TrimSpace(line) != "ok" {
			continue
		}

		reply := strings.Join(lines, "\n")
		lines = nil

		r.mu.Lock()
		w := r.pending
		if w != nil && replyMatches(w.code, reply) {
			r.pending = nil
		} else {
			w = nil
		}
		r.mu.Unlock()

		if w != nil {
			w.ch <- reply
			continue
		}
		if r.onUnsolicited != nil {
			r.onUnsolicited(reply)
		}
	}
}

// expect registers the single waiter for the reply to cmd. Callers
// serialize commands, so at most one waiter exists.
func (r *replyRouter) expect(cmd string) *waiter {
	w := &waiter{code: commandCode(cmd), ch: make(chan string, 1)}
	r.mu.Lock()
	r.pending = w
	r.mu.Unlock()
	return w
}

// wait blocks for the reply registered by expect.
func (r *replyRouter) wait(ctx context.Context, w *waiter, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-w.ch:
		if !ok {
			return "", fmt.Errorf("connection closed while waiting for reply")
		}
		return reply, nil
	case <-timer.C:
		r.clear(w)
		return "", fmt.Errorf("timeout waiting for reply")
	case <-ctx.Done():
		r.clear(w)
		return "", ctx.Err()
	}
}

func (r *replyRouter) clear(w *waiter) {
	r.mu.Lock()
	if r.pending == w {
		r.pending = nil
	}
	r.mu.Unlock()
}

// commandCode returns "M27" for "~M27" and "M601" for "~M601 S1".
func commandCode(cmd string) string {
	f := strings.Fields(strings.TrimPrefix(strings.TrimSpace(cmd), "~"))
	if len(f) == 0 {
		return ""
	}
	return strings.ToUpper(f[0])
}

// bannerCode extracts the code from a reply's "CMD M27 Received." line.
func bannerCode(reply string) string {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "CMD ")
		if !ok {
			continue
		}
		if code, ok := strings.CutSuffix(rest, " Received."); ok {
			return strings.ToUpper(strings.TrimSpace(code))
		}
	}
	return ""
}

// replyMatches accepts replies without a banner; some firmware omits it.
func replyMatches(code, reply string) bool {
	got := bannerCode(reply)
	return got == "" || code == "" || got == code
}
