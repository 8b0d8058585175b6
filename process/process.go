package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/circleci/harness/colourise"
	"github.com/circleci/harness/internal/syncbuffer"
	"github.com/circleci/harness/o11y"
)

type Config struct {
	// Binary is the service executable.
	Binary string
	// Args are passed before the harness arguments, eg. the main class for a java service.
	Args []string
	// ExtraArgs are passed after the configuration file.
	ExtraArgs []string
	// Env is the base environment of every instance.
	Env []string
	// InheritEnv prepends the harness's own environment to Env.
	InheritEnv bool
	// PingTarget is where instances send their readiness handshake, as udp://host:port.
	PingTarget string
	// Debug passes instance output through to Stdout and Stderr, tagged with the instance id.
	// Output is always captured and available from Process.Logs.
	Debug  bool
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a single launched instance.
type Process struct {
	id         int
	cmd        *exec.Cmd
	configPath string
	logs       *syncbuffer.SyncBuffer
	flushers   []*colourise.PrefixWriter

	done chan struct{}
}

// Launch starts a single instance with the given id, pointed at configPath if it is not empty.
// It does not wait for the instance to become ready.
func Launch(ctx context.Context, cfg Config, id int, configPath string) (_ *Process, err error) {
	_, span := o11y.StartSpan(ctx, "process: launch")
	defer o11y.End(span, &err)
	span.AddField("instance", id)
	span.AddField("binary", cfg.Binary)
	span.RecordMetric(o11y.Timing("harness.process.launch", "result"))

	//#nosec:G204 // this is intentionally running a command for tests
	cmd := exec.Command(cfg.Binary, Args(cfg, id, configPath)...)

	if cfg.InheritEnv {
		cmd.Env = append(cmd.Env, os.Environ()...)
	}
	cmd.Env = append(cmd.Env, cfg.Env...)

	p := &Process{
		id:         id,
		cmd:        cmd,
		configPath: configPath,
		logs:       &syncbuffer.SyncBuffer{},
		done:       make(chan struct{}),
	}

	cmd.Stdout = p.logs
	cmd.Stderr = p.logs
	if cfg.Debug {
		label := "instance-" + strconv.Itoa(id)
		out := colourise.NewPrefixWriter(orDefault(cfg.Stdout, os.Stdout), label, true)
		errOut := colourise.NewPrefixWriter(orDefault(cfg.Stderr, os.Stderr), label, true)
		p.flushers = append(p.flushers, out, errOut)
		cmd.Stdout = io.MultiWriter(p.logs, out)
		cmd.Stderr = io.MultiWriter(p.logs, errOut)
	}
	// don't let a grandchild holding the output pipes open stop us seeing the exit
	cmd.WaitDelay = time.Second

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start instance %d: %w", id, err)
	}
	span.AddField("pid", cmd.Process.Pid)

	go p.wait()
	return p, nil
}

// Args returns the command line arguments an instance is launched with.
func Args(cfg Config, id int, configPath string) []string {
	args := make([]string, 0, len(cfg.Args)+len(cfg.ExtraArgs)+7)
	args = append(args, cfg.Args...)
	args = append(args,
		"--startup-ping", cfg.PingTarget,
		"--startup-id", strconv.Itoa(id),
		"--port", "0",
	)
	if configPath != "" {
		args = append(args, configPath)
	}
	return append(args, cfg.ExtraArgs...)
}

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}

func (p *Process) wait() {
	_ = p.cmd.Wait()
	for _, f := range p.flushers {
		_ = f.Flush()
	}
	close(p.done)
}

// ID is the instance id the process was launched with.
func (p *Process) ID() int {
	return p.id
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// ConfigPath is the staged configuration the process was launched with, if any.
func (p *Process) ConfigPath() string {
	return p.configPath
}

// Logs returns everything the process has written to stdout and stderr so far.
func (p *Process) Logs() string {
	return p.logs.String()
}

// LogTail returns the last n lines of output.
func (p *Process) LogTail(n int) string {
	return p.logs.Tail(n)
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Poll reports the exit code if the process has exited, without blocking.
func (p *Process) Poll() (code int, exited bool) {
	select {
	case <-p.done:
		return p.exitCode(), true
	default:
		return 0, false
	}
}

// Wait blocks until the process has exited and returns its exit code.
func (p *Process) Wait() int {
	<-p.done
	return p.exitCode()
}

// Terminate asks the process to shut down. It does nothing if the process has already exited.
// Where termination signals are not supported the process is killed.
func (p *Process) Terminate() error {
	if _, exited := p.Poll(); exited {
		return nil
	}
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	switch {
	case err == nil, errors.Is(err, os.ErrProcessDone):
		return nil
	default:
		return p.Kill()
	}
}

// Kill stops the process immediately. It does nothing if the process has already exited.
func (p *Process) Kill() error {
	if _, exited := p.Poll(); exited {
		return nil
	}
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill instance %d: %w", p.id, err)
	}
	return nil
}

// Reap makes sure the process is no longer running. If it has not already exited it is
// terminated and waited for, and killed if it is still running after grace, or when ctx
// is done. Reaping an exited process does nothing.
func (p *Process) Reap(ctx context.Context, grace time.Duration) error {
	if _, exited := p.Poll(); exited {
		return nil
	}

	if err := p.Terminate(); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		err := p.Kill()
		<-p.done
		if err != nil {
			return err
		}
		return fmt.Errorf("instance %d still running %s after termination, killed", p.id, grace)
	case <-ctx.Done():
		err := p.Kill()
		<-p.done
		return errors.Join(ctx.Err(), err)
	}
}

// exitCode follows the usual subprocess convention of reporting death by
// signal as the negated signal number.
func (p *Process) exitCode() int {
	ps := p.cmd.ProcessState
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}
