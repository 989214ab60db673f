package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/liverun/runner"
	"go.uber.org/zap"
)

// DefaultInterpreter runs Python unbuffered, with the program text as the last argument.
var DefaultInterpreter = []string{"python3", "-u", "-c"}

const inputWriteTimeout = 5 * time.Second

// Runner runs programs directly on the underlying host by passing the program text to an interpreter command.
// These processes are not sandboxed, so they can see each other and everything else on the host.
// Each program gets its own process group, and Kill terminates the whole group.
type Runner struct {
	Interpreter []string
	Dir         string
	Env         []string
	Log         *zap.SugaredLogger
}

type Option func(r *Runner)

func WithInterpreter(argv ...string) Option {
	return func(r *Runner) {
		r.Interpreter = argv
	}
}

func WithDir(dir string) Option {
	return func(r *Runner) {
		r.Dir = dir
	}
}

func WithEnv(env []string) Option {
	return func(r *Runner) {
		r.Env = env
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Runner) {
		r.Log = l.Named("local_runner")
	}
}

func New(opts ...Option) *Runner {
	r := &Runner{
		Interpreter: DefaultInterpreter,
		Log:         zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Name() string { return "local" }

// Start launches the interpreter. The context only bounds the launch, not the lifetime of the process.
func (r *Runner) Start(ctx context.Context, program string) (runner.Handle, error) {
	if len(r.Interpreter) == 0 {
		return nil, &runner.SpawnError{Err: errors.New("no interpreter configured")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &runner.SpawnError{Err: err}
	}

	args := append(append([]string{}, r.Interpreter[1:]...), program)
	cmd := exec.Command(r.Interpreter[0], args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	setProcessGroup(cmd)

	// Raw OS pipes are handed to the child directly, so exec starts no copying goroutines
	// and Wait never closes the read ends out from under the output readers.
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		files = append(files, pr, pw)
		return pr, pw, nil
	}
	stdinR, stdinW, err := pipe()
	if err != nil {
		closeAll()
		return nil, &runner.SpawnError{Err: fmt.Errorf("creating stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeAll()
		return nil, &runner.SpawnError{Err: fmt.Errorf("creating stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeAll()
		return nil, &runner.SpawnError{Err: fmt.Errorf("creating stderr pipe: %w", err)}
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	start := time.Now()
	err = cmd.Start()
	if err != nil {
		closeAll()
		return nil, &runner.SpawnError{Err: err}
	}

	// the child holds its own copies now
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &proc{
		log:    r.Log.With("PID", cmd.Process.Pid),
		cmd:    cmd,
		start:  start,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan struct{}),
	}
	r.Log.Debugw("started program", "PID", cmd.Process.Pid, "Interpreter", r.Interpreter[0])
	go p.wait()
	return p, nil
}

type proc struct {
	log   *zap.SugaredLogger
	cmd   *exec.Cmd
	start time.Time

	stdinMut    sync.Mutex
	stdin       *os.File
	stdinClosed bool

	stdout *os.File
	stderr *os.File

	exited chan struct{}
	result *runner.Result
	err    error

	killOnce sync.Once
}

func (p *proc) wait() {
	err := p.cmd.Wait()
	dur := time.Since(p.start)
	state := p.cmd.ProcessState

	switch {
	case state != nil && state.Exited():
		p.result = &runner.Result{ExitCode: state.ExitCode(), Duration: dur}
	case state != nil:
		p.err = &runner.Fault{Reason: fmt.Sprintf("program terminated: %s", state)}
	default:
		p.err = &runner.Fault{Reason: fmt.Sprintf("waiting for program: %s", err)}
	}
	p.log.Debugw("program exited", "State", state, "Duration", dur)

	p.CloseInput()
	close(p.exited)
}

func (p *proc) WriteInput(text string) error {
	p.stdinMut.Lock()
	defer p.stdinMut.Unlock()

	if p.stdinClosed {
		return runner.ErrPipeClosed
	}
	select {
	case <-p.exited:
		return runner.ErrPipeClosed
	default:
	}

	// a program that never reads can fill the pipe, so writes are bounded
	_ = p.stdin.SetWriteDeadline(time.Now().Add(inputWriteTimeout))
	_, err := io.WriteString(p.stdin, text+"\n")
	if err != nil {
		p.log.Debugf("stdin write error: %s", err)
		return fmt.Errorf("%w: %s", runner.ErrPipeClosed, err)
	}
	return nil
}

func (p *proc) CloseInput() error {
	p.stdinMut.Lock()
	defer p.stdinMut.Unlock()
	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	return p.stdin.Close()
}

func (p *proc) Stdout() io.Reader { return p.stdout }
func (p *proc) Stderr() io.Reader { return p.stderr }

func (p *proc) Wait(ctx context.Context) (*runner.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exited:
		return p.result, p.err
	}
}

// Kill kills the process group and releases the output pipes, which unblocks any pending reads.
func (p *proc) Kill() error {
	var err error
	p.killOnce.Do(func() {
		// the group can outlive its leader, so it is killed even after a natural exit
		err = killProcessGroup(p.cmd)
		p.log.Debugw("killed program group", "Error", err)
		p.CloseInput()
		p.stdout.Close()
		p.stderr.Close()
	})
	return err
}
