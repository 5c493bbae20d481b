package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	defaultOutputLimit = 1 << 20 // 1 MiB per stream
	killGracePeriod    = 10 * time.Second
)

// EngineConfig tunes the docker backed engine
type EngineConfig struct {
	// Host overrides the daemon endpoint; empty uses the environment
	Host string
	// OutputLimit caps captured bytes per stream
	OutputLimit int
	// Memory and NanoCPUs bound each container; zero means unlimited
	Memory    int64
	NanoCPUs  int64
	PidsLimit int64
}

type dockerEngine struct {
	cli    *client.Client
	conf   EngineConfig
	logger *zap.Logger
}

// NewDockerEngine connects to the docker daemon
func NewDockerEngine(conf EngineConfig, logger *zap.Logger) (Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if conf.Host != "" {
		opts = append(opts, client.WithHost(conf.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &InfraError{Op: "connect", Err: err}
	}
	if conf.OutputLimit <= 0 {
		conf.OutputLimit = defaultOutputLimit
	}
	return &dockerEngine{cli: cli, conf: conf, logger: logger}, nil
}

func (e *dockerEngine) Ensure(ctx context.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return &InfraError{Op: "pull " + ref, Err: err}
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// Run creates a fresh container for the invocation, bounds it by the wall
// clock limit and force removes it on every exit path.
func (e *dockerEngine) Run(ctx context.Context, spec RunSpec) (Outcome, error) {
	var pids *int64
	if e.conf.PidsLimit > 0 {
		pids = &e.conf.PidsLimit
	}
	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          strslice.StrSlice(spec.Args),
			Env:          spec.Env,
			WorkingDir:   spec.WorkDir,
			OpenStdin:    spec.Stdin != "",
			StdinOnce:    spec.Stdin != "",
			AttachStdin:  spec.Stdin != "",
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			Binds:       spec.Binds,
			NetworkMode: "none",
			Resources: container.Resources{
				Memory:    e.conf.Memory,
				NanoCPUs:  e.conf.NanoCPUs,
				PidsLimit: pids,
			},
		},
		nil, nil, "")
	if err != nil {
		return Outcome{}, &InfraError{Op: "create", Err: err}
	}
	id := created.ID
	defer func() {
		// teardown is unconditional; the surrounding context may already be
		// cancelled
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killGracePeriod)
		defer cancel()
		if err := e.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			e.logger.Warn("container remove failed", zap.String("id", id), zap.Error(err))
		}
	}()

	attach, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  spec.Stdin != "",
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return Outcome{}, &InfraError{Op: "attach", Err: err}
	}
	defer attach.Close()

	stdout := newLimitWriter(e.conf.OutputLimit)
	stderr := newLimitWriter(e.conf.OutputLimit)
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()
	if spec.Stdin != "" {
		go func() {
			_, _ = io.WriteString(attach.Conn, spec.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	// registered before start, so the condition must be the coming exit; a
	// not-running wait would answer immediately for the created container
	waitCh, waitErrCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Outcome{}, &InfraError{Op: "start", Err: err}
	}

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	var exitCode int
	timedOut := false
	select {
	case w := <-waitCh:
		exitCode = int(w.StatusCode)
	case err := <-waitErrCh:
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, &InfraError{Op: "wait", Err: err}
	case <-timer.C:
		timedOut = true
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killGracePeriod)
		if err := e.cli.ContainerKill(killCtx, id, "KILL"); err != nil {
			e.logger.Warn("container kill failed", zap.String("id", id), zap.Error(err))
		}
		cancel()
		// observe the exit so the duration below covers teardown latency
		select {
		case <-waitCh:
		case <-waitErrCh:
		case <-time.After(killGracePeriod):
		}
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	duration := time.Since(start)

	// give the output pump a moment to drain after exit
	select {
	case <-copyDone:
	case <-time.After(time.Second):
	}

	return Outcome{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		TimedOut: timedOut,
	}, nil
}
