// Package sandbox executes one service invocation in isolation. The
// production Host re-execs the hivebot binary as a disposable child process
// per invocation: one JSON payload in on stdin, one JSON response out on
// stdout, environment cleared, working directory pointed at scratch space.
// The service itself is a Lua chunk run by a restricted gopher-lua VM with
// no os, io, or debug libraries; network access exists only when the route
// grants an allow-list.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

// Defaults for invocation bounds.
const (
	DefaultTimeout      = 2000 * time.Millisecond
	DefaultMaxOutputKiB = 256
	// killGrace is how long a child gets between SIGTERM and SIGKILL.
	killGrace = 500 * time.Millisecond
)

// Invocation failure modes.
var (
	ErrTimeout     = errors.New("timeout")
	ErrCrash       = errors.New("sandbox crashed")
	ErrBadResponse = errors.New("bad_response")
)

// Options bound a single run.
type Options struct {
	Timeout time.Duration // zero means DefaultTimeout
	Net     []string      // allowed outbound host patterns; empty denies all
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Runner executes one bundled service against one payload. Implementations:
// Host (child process, production) and InProc (same-process VM, used by
// snapshot verification and tests).
type Runner interface {
	Run(ctx context.Context, dataURL string, payload *sdk.Payload, opts Options) (*sdk.Response, error)
}

// Input is the wire format the host writes to the child's stdin. TimeoutMs
// lets the child arm its own VM deadline as a second line of defense behind
// the host-side kill.
type Input struct {
	DataURL   string      `json:"dataUrl"`
	Net       []string    `json:"net,omitempty"`
	TimeoutMs int64       `json:"timeoutMs,omitempty"`
	Payload   sdk.Payload `json:"payload"`
}
