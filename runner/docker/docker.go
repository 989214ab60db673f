package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/guseggert/liverun/runner"
	"go.uber.org/zap"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func init() {
	rand.Seed(time.Now().UnixNano())
}

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

const (
	DefaultImage = "python:3.12-alpine"
	killTimeout  = 10 * time.Second
)

// CreateContainerConfig is passed to Runner.CreateContainerConfig before each container is created.
type CreateContainerConfig struct {
	Name            string
	ContainerConfig *container.Config
	HostConfig      *container.HostConfig
}

// Runner runs each program in a fresh Docker container.
// The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type Runner struct {
	Log                   *zap.SugaredLogger
	DockerClient          *client.Client
	Image                 string
	Interpreter           []string
	ContainerPrefix       string
	CreateContainerConfig func(*CreateContainerConfig) error

	imageMut    sync.Mutex
	imagePulled bool
}

func (r *Runner) WithLogger(l *zap.SugaredLogger) *Runner {
	r.Log = l.Named("docker_runner")
	return r
}

func (r *Runner) WithImage(img string) *Runner {
	r.Image = img
	return r
}

func (r *Runner) WithInterpreter(argv ...string) *Runner {
	r.Interpreter = argv
	return r
}

func (r *Runner) WithCreateContainerConfig(f func(*CreateContainerConfig) error) *Runner {
	r.CreateContainerConfig = f
	return r
}

// NewRunner creates a Docker runner using the environment's Docker configuration.
func NewRunner() (*Runner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	r := &Runner{
		DockerClient:    dockerClient,
		Image:           DefaultImage,
		Interpreter:     []string{"python3", "-u", "-c"},
		ContainerPrefix: randString(6),
	}
	return r.WithLogger(zap.NewNop().Sugar()), nil
}

func (r *Runner) Name() string { return "docker" }

func (r *Runner) ensureImagePulled(ctx context.Context) error {
	r.imageMut.Lock()
	defer r.imageMut.Unlock()
	if r.imagePulled {
		return nil
	}
	out, err := r.DockerClient.ImagePull(ctx, r.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	r.imagePulled = true
	return nil
}

// Start creates the container, attaches to its stdio, and starts it.
// Networking is disabled unless CreateContainerConfig turns it back on.
func (r *Runner) Start(ctx context.Context, program string) (runner.Handle, error) {
	if len(r.Interpreter) == 0 {
		return nil, &runner.SpawnError{Err: errors.New("no interpreter configured")}
	}
	err := r.ensureImagePulled(ctx)
	if err != nil {
		return nil, &runner.SpawnError{Err: fmt.Errorf("pulling image %q: %w", r.Image, err)}
	}

	cmd := append(append([]string{}, r.Interpreter...), program)
	ccConfig := CreateContainerConfig{
		Name: fmt.Sprintf("liverun-%s-%s", r.ContainerPrefix, randString(8)),
		ContainerConfig: &container.Config{
			Image:        r.Image,
			Cmd:          cmd,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    true,
			StdinOnce:    true,
			Tty:          false,
		},
		HostConfig: &container.HostConfig{
			NetworkMode: "none",
		},
	}
	if r.CreateContainerConfig != nil {
		err := r.CreateContainerConfig(&ccConfig)
		if err != nil {
			return nil, &runner.SpawnError{Err: fmt.Errorf("calling CreateContainerConfig function: %w", err)}
		}
	}

	createResp, err := r.DockerClient.ContainerCreate(ctx, ccConfig.ContainerConfig, ccConfig.HostConfig, nil, nil, ccConfig.Name)
	if err != nil {
		return nil, &runner.SpawnError{Err: fmt.Errorf("creating Docker container: %w", err)}
	}
	containerID := createResp.ID

	p := &proc{
		log:          r.Log.With("ContainerID", containerID),
		dockerClient: r.DockerClient,
		containerID:  containerID,
		exited:       make(chan struct{}),
	}

	// attach before start so no output is lost
	hijacked, err := r.DockerClient.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		p.remove()
		return nil, &runner.SpawnError{Err: fmt.Errorf("attaching to container %q: %w", containerID, err)}
	}
	p.hijacked = hijacked

	waitCh, waitErrCh := r.DockerClient.ContainerWait(context.Background(), containerID, container.WaitConditionNextExit)

	start := time.Now()
	err = r.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	if err != nil {
		hijacked.Close()
		p.remove()
		return nil, &runner.SpawnError{Err: fmt.Errorf("starting container %q: %w", containerID, err)}
	}
	p.log.Debugw("started container", "Image", r.Image)

	var stdoutW, stderrW *io.PipeWriter
	p.stdout, stdoutW = io.Pipe()
	p.stderr, stderrW = io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hijacked.Reader)
		p.log.Debugw("done demultiplexing output", "Error", err)
		stdoutW.Close()
		stderrW.Close()
	}()
	go p.wait(start, waitCh, waitErrCh)

	return p, nil
}

type proc struct {
	log          *zap.SugaredLogger
	dockerClient *client.Client
	containerID  string
	hijacked     types.HijackedResponse

	stdout *io.PipeReader
	stderr *io.PipeReader

	stdinMut    sync.Mutex
	stdinClosed bool

	killMut sync.Mutex
	killed  bool

	exited chan struct{}
	result *runner.Result
	err    error

	removeOnce sync.Once
}

func (p *proc) wait(start time.Time, waitCh <-chan container.ContainerWaitOKBody, waitErrCh <-chan error) {
	defer close(p.exited)

	var status container.ContainerWaitOKBody
	select {
	case status = <-waitCh:
	case err := <-waitErrCh:
		p.err = &runner.Fault{Reason: fmt.Sprintf("waiting for container: %s", err)}
		return
	}
	dur := time.Since(start)

	p.killMut.Lock()
	killed := p.killed
	p.killMut.Unlock()

	switch {
	case killed:
		p.err = &runner.Fault{Reason: "container killed", ExitCode: int(status.StatusCode)}
	case status.Error != nil && status.Error.Message != "":
		p.err = &runner.Fault{Reason: status.Error.Message, ExitCode: int(status.StatusCode)}
	default:
		p.result = &runner.Result{ExitCode: int(status.StatusCode), Duration: dur}
	}
	p.log.Debugw("container exited", "StatusCode", status.StatusCode, "Duration", dur)
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
	_, err := io.WriteString(p.hijacked.Conn, text+"\n")
	if err != nil {
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
	return p.hijacked.CloseWrite()
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

// Kill force-removes the container, which also kills the program if it is still running.
func (p *proc) Kill() error {
	p.killMut.Lock()
	select {
	case <-p.exited:
	default:
		p.killed = true
	}
	p.killMut.Unlock()

	err := p.remove()
	p.hijacked.Close()
	p.stdout.CloseWithError(runner.ErrPipeClosed)
	p.stderr.CloseWithError(runner.ErrPipeClosed)
	return err
}

func (p *proc) remove() error {
	var err error
	p.removeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		err = p.dockerClient.ContainerRemove(ctx, p.containerID, types.ContainerRemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil {
			err = fmt.Errorf("removing container %q: %w", p.containerID, err)
		}
	})
	return err
}
