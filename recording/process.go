package recording

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// LaunchSpec describes an external capture process
type LaunchSpec struct {
	Args []string
	Env  []string // appended to the current environment
}

// Process is a running capture process
type Process interface {
	Pid() int
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed
	Err() error
	// Output returns the tail of the process diagnostics
	Output() string
	// Stop asks the process to finish its current segment and exit, and
	// kills it if it is still running after grace.
	Stop(grace time.Duration) error
}

// Launcher starts capture processes
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// FFmpegLauncher runs the ffmpeg binary at Path
type FFmpegLauncher struct {
	Path string
}

// Launch starts ffmpeg with spec.Args. A dedicated goroutine owns Wait so
// exit is observed as soon as it happens.
func (l FFmpegLauncher) Launch(spec LaunchSpec) (Process, error) {
	path := l.Path
	if path == "" {
		path = "ffmpeg"
	}
	return startProcess(path, spec)
}

func startProcess(path string, spec LaunchSpec) (*execProcess, error) {
	cmd := exec.Command(path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	tail := &tailBuffer{max: 4096}
	cmd.Stdout = io.Discard
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin, tail: tail, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	tail  *tailBuffer
	done  chan struct{}
	err   error

	stopOnce sync.Once
	stopErr  error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Output() string        { return p.tail.String() }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop sends ffmpeg's interactive quit command, falls back to an interrupt
// signal, and kills the process when grace runs out.
func (p *execProcess) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if _, err := io.WriteString(p.stdin, "q\n"); err != nil {
			_ = p.cmd.Process.Signal(os.Interrupt)
		}
		_ = p.stdin.Close()

		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}

		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.stopErr = fmt.Errorf("failed to kill process %d: %w", p.Pid(), err)
		}
		<-p.done
	})
	return p.stopErr
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
