package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

// Host runs each invocation as a child process: the hivebot binary re-execed
// with the hidden sandbox-exec subcommand. The child inherits no environment
// and no descriptors beyond the three stdio pipes, and runs in a scratch
// working directory.
type Host struct {
	exePath   string
	scratch   string
	timeout   time.Duration
	maxOutput int64
}

// HostConfig tunes the process host; zero values take defaults.
type HostConfig struct {
	Timeout      time.Duration
	MaxOutputKiB int
	ScratchDir   string
}

// NewHost resolves the running binary as the child executable.
func NewHost(cfg HostConfig) (*Host, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxKiB := cfg.MaxOutputKiB
	if maxKiB <= 0 {
		maxKiB = DefaultMaxOutputKiB
	}
	return &Host{
		exePath:   exe,
		scratch:   scratch,
		timeout:   timeout,
		maxOutput: int64(maxKiB) * 1024,
	}, nil
}

// Run spawns one child, streams the payload in, and reads the response out.
// Expired deadline returns ErrTimeout; a non-zero exit or unparseable output
// returns ErrCrash or ErrBadResponse. One attempt, no retries.
func (h *Host) Run(ctx context.Context, dataURL string, payload *sdk.Payload, opts Options) (*sdk.Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(Input{
		DataURL:   dataURL,
		Net:       opts.Net,
		TimeoutMs: timeout.Milliseconds(),
		Payload:   *payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode sandbox input: %w", err)
	}

	cmd := exec.CommandContext(runCtx, h.exePath, "sandbox-exec")
	cmd.Env = []string{}
	cmd.Dir = h.scratch
	cmd.Stdin = bytes.NewReader(input)

	stdout := newCappedBuffer(h.maxOutput)
	stderr := newCappedBuffer(16 * 1024)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Graceful stop on deadline: SIGTERM first, SIGKILL after the grace
	// window if the child ignores it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrCrash, firstLine(detail))
	}

	return ParseOutput(stdout.Bytes())
}

// ParseOutput extracts the response from child stdout: the final non-empty
// line is the JSON document; anything before it is stray service output.
func ParseOutput(out []byte) (*sdk.Response, error) {
	line := lastNonEmptyLine(out)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrBadResponse)
	}
	resp, err := sdk.DecodeResponse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return resp, nil
}

func lastNonEmptyLine(out []byte) []byte {
	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// cappedBuffer keeps the first limit bytes and silently drops the rest, so
// a runaway child cannot balloon host memory.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - int64(c.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		c.buf.Write(p[:remaining])
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte  { return c.buf.Bytes() }
func (c *cappedBuffer) String() string { return c.buf.String() }

// RunChild is the body of the sandbox-exec subcommand: read one Input from
// stdin, execute the bundle, write one response to stdout. Failures go to
// stderr with a non-zero exit so the host reports a crash.
func RunChild(stdin io.Reader, stdout io.Writer) error {
	raw, err := io.ReadAll(io.LimitReader(stdin, 8<<20))
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	moduleText, err := sdk.DecodeDataURI(in.DataURL)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if in.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(in.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	resp, err := Execute(ctx, moduleText, &in.Payload, in.Net)
	if err != nil {
		return err
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := stdout.Write(append(out, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// IsTimeout reports whether err is the invocation deadline expiring.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
