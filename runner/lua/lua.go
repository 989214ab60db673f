// Package lua runs programs in an embedded gopher-lua interpreter instead of a host process.
//
// Each program gets a fresh Lua state with only the base, table, string and math libraries.
// The io and os modules are replaced by a small stream-backed subset:
// print and io.write go to stdout, io.stderr:write goes to stderr,
// io.read blocks for a line of input, and os.exit ends the program with an exit code.
package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/liverun/runner"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

var errExit = errors.New("lua program called os.exit")

// Runner starts Lua programs in-process.
type Runner struct {
	Log *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{Log: log.Named("lua_runner")}
}

func (r *Runner) Name() string { return "lua" }

// Start compiles the program and runs it on its own goroutine.
// Syntax errors are reported like runtime errors: on stderr with exit code 1.
func (r *Runner) Start(ctx context.Context, program string) (runner.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &runner.SpawnError{Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p := &proc{
		log:     r.Log,
		cancel:  cancel,
		stdin:   newInputBuffer(),
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
		exited:  make(chan struct{}),
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openLibraries(L, p)
	L.SetContext(runCtx)

	go p.run(L, program)
	return p, nil
}

type proc struct {
	log    *zap.SugaredLogger
	cancel context.CancelFunc

	stdin   *inputBuffer
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	// only touched from the interpreter goroutine before exited is closed
	exitCode      int
	exitRequested bool

	killMut sync.Mutex
	killed  bool

	exited chan struct{}
	result *runner.Result
	err    error
}

func (p *proc) run(L *lua.LState, program string) {
	start := time.Now()
	defer close(p.exited)
	defer L.Close()

	err := p.do(L, program)
	dur := time.Since(start)

	p.killMut.Lock()
	killed := p.killed
	p.killMut.Unlock()

	switch {
	case killed:
		p.err = &runner.Fault{Reason: "program killed"}
	case p.exitRequested:
		p.result = &runner.Result{ExitCode: p.exitCode, Duration: dur}
	case err != nil:
		fmt.Fprintln(p.stderrW, errorMessage(err))
		p.result = &runner.Result{ExitCode: 1, Duration: dur}
	default:
		p.result = &runner.Result{ExitCode: 0, Duration: dur}
	}
	p.log.Debugw("program finished", "Duration", dur, "Error", err, "Killed", killed)

	p.stdin.close()
	p.stdoutW.Close()
	p.stderrW.Close()
	p.cancel()
}

func (p *proc) do(L *lua.LState, program string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return L.DoString(program)
}

func errorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

func (p *proc) WriteInput(text string) error {
	select {
	case <-p.exited:
		return runner.ErrPipeClosed
	default:
	}
	if !p.stdin.write(text + "\n") {
		return runner.ErrPipeClosed
	}
	return nil
}

func (p *proc) CloseInput() error {
	p.stdin.close()
	return nil
}

func (p *proc) Stdout() io.Reader { return p.stdoutR }
func (p *proc) Stderr() io.Reader { return p.stderrR }

func (p *proc) Wait(ctx context.Context) (*runner.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exited:
		return p.result, p.err
	}
}

// Kill stops the interpreter at its next instruction and unblocks any pending read or write.
func (p *proc) Kill() error {
	p.killMut.Lock()
	select {
	case <-p.exited:
	default:
		p.killed = true
	}
	p.killMut.Unlock()

	p.cancel()
	p.stdin.close()
	p.stdoutR.CloseWithError(runner.ErrPipeClosed)
	p.stderrR.CloseWithError(runner.ErrPipeClosed)
	return nil
}

func openLibraries(L *lua.LState, p *proc) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		p.write(L, p.stdoutW, strings.Join(parts, "\t")+"\n")
		return 0
	}))

	writer := func(w io.Writer, skipSelf bool) lua.LGFunction {
		return func(L *lua.LState) int {
			first := 1
			if skipSelf {
				first = 2
			}
			var sb strings.Builder
			for i := first; i <= L.GetTop(); i++ {
				sb.WriteString(lua.LVAsString(L.Get(i)))
			}
			p.write(L, w, sb.String())
			return 0
		}
	}

	stdoutTbl := L.NewTable()
	L.SetField(stdoutTbl, "write", L.NewFunction(writer(p.stdoutW, true)))
	stderrTbl := L.NewTable()
	L.SetField(stderrTbl, "write", L.NewFunction(writer(p.stderrW, true)))

	ioTbl := L.NewTable()
	L.SetField(ioTbl, "write", L.NewFunction(writer(p.stdoutW, false)))
	L.SetField(ioTbl, "read", L.NewFunction(p.read))
	L.SetField(ioTbl, "stdout", stdoutTbl)
	L.SetField(ioTbl, "stderr", stderrTbl)
	L.SetGlobal("io", ioTbl)

	osTbl := L.NewTable()
	L.SetField(osTbl, "exit", L.NewFunction(func(L *lua.LState) int {
		code := 0
		switch v := L.Get(1).(type) {
		case lua.LNumber:
			code = int(v)
		case lua.LBool:
			if !bool(v) {
				code = 1
			}
		}
		p.exitCode = code
		p.exitRequested = true
		p.cancel()
		L.RaiseError("%s", errExit)
		return 0
	}))
	L.SetField(osTbl, "time", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.SetField(osTbl, "clock", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e9))
		return 1
	}))
	L.SetGlobal("os", osTbl)
}

func (p *proc) write(L *lua.LState, w io.Writer, s string) {
	if _, err := io.WriteString(w, s); err != nil {
		L.RaiseError("writing output: %s", err)
	}
}

// read implements io.read with the "l" (default), "n" and "a" formats.
func (p *proc) read(L *lua.LState) int {
	format := strings.TrimPrefix(L.OptString(1, "l"), "*")
	switch format {
	case "a":
		L.Push(lua.LString(p.stdin.readAll()))
	case "n":
		line, err := p.stdin.readLine()
		if err != nil {
			L.Push(lua.LNil)
			break
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil {
			L.Push(lua.LNil)
			break
		}
		L.Push(lua.LNumber(n))
	default:
		line, err := p.stdin.readLine()
		if err != nil {
			L.Push(lua.LNil)
			break
		}
		L.Push(lua.LString(line))
	}
	if p.stdin.isClosed() && L.Context().Err() != nil {
		L.RaiseError("program killed")
	}
	return 1
}
