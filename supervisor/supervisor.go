package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/circleci/harness/closer"
	"github.com/circleci/harness/configstage"
	"github.com/circleci/harness/instance"
	"github.com/circleci/harness/o11y"
	"github.com/circleci/harness/process"
	"github.com/circleci/harness/readiness"
	"github.com/circleci/harness/recontext"
	"github.com/circleci/harness/timeout"
)

// DefaultPingAddr is the well known address instances send their readiness handshake to.
const DefaultPingAddr = "localhost:12021"

var ErrNoConfigs = errors.New("no instance configurations given")

type Config struct {
	// Binary is the service executable.
	Binary string
	// Args are passed before the harness arguments.
	Args []string
	// ExtraArgs are passed after the configuration file.
	ExtraArgs []string
	// Env is the base environment of every instance.
	Env []string
	// InheritEnv prepends the harness's own environment to Env.
	InheritEnv bool

	// PingAddr is where the readiness socket is bound. Defaults to DefaultPingAddr.
	PingAddr string
	// PollInterval bounds each wait for a handshake, between which instances are checked
	// for an early exit.
	PollInterval time.Duration
	// ReadyTimeout bounds the whole readiness phase. There is no bound if it is zero.
	ReadyTimeout time.Duration
	// ProbeTimeout bounds each instance's liveness probe. Defaults to 5 seconds.
	ProbeTimeout time.Duration
	// StopTimeout bounds waiting for terminated instances to exit. Defaults to 10 seconds.
	StopTimeout time.Duration
	// KillAfter is how long an instance still running after StopTimeout has before it is killed.
	// Defaults to 10 seconds.
	KillAfter time.Duration

	// Debug passes instance output through to Stdout and Stderr (os.Stdout and os.Stderr if nil).
	Debug  bool
	Stdout io.Writer
	Stderr io.Writer

	// OnLaunch, if set, is called with every process as soon as it is started.
	OnLaunch func(p *process.Process)
}

func (c *Config) setDefaults() {
	if c.PingAddr == "" {
		c.PingAddr = DefaultPingAddr
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.KillAfter <= 0 {
		c.KillAfter = 10 * time.Second
	}
}

// Cluster is a set of ready instances. It must be stopped.
type Cluster struct {
	cfg       Config
	runID     string
	procs     []*process.Process
	instances []*instance.Instance

	stopOnce sync.Once
	stopErr  error
}

// Run starts a cluster with one instance per entry in configs, calls fn with the ready
// instances, and stops the cluster. Errors from fn and from stopping are both returned.
// The cluster is stopped even if ctx is done by the time fn returns.
func Run(ctx context.Context, cfg Config, configs []interface{},
	fn func(ctx context.Context, instances []*instance.Instance) error) (err error) {

	c, err := Start(ctx, cfg, configs)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := recontext.WithNewTimeout(ctx, c.teardownTimeout())
		defer cancel()
		err = errors.Join(err, c.Stop(stopCtx))
	}()

	return fn(ctx, c.Instances())
}

// Start launches one instance per entry in configs and waits for all of them to be ready.
// Instance ids are the positions in configs. An entry is either nil (no configuration file),
// a configstage.File, or a value that is written out as YAML.
//
// If any instance fails to become ready, every launched instance is stopped before Start
// returns the error. The same happens if Start panics, for example in an OnLaunch hook,
// before the panic carries on.
func Start(ctx context.Context, cfg Config, configs []interface{}) (cluster *Cluster, err error) {
	if len(configs) == 0 {
		return nil, ErrNoConfigs
	}
	cfg.setDefaults()

	c := &Cluster{
		cfg:   cfg,
		runID: uuid.NewString(),
	}

	ctx, span := o11y.StartSpan(ctx, "supervisor: start")
	defer o11y.End(span, &err)
	o11y.AddFieldToTrace(ctx, "run_id", c.runID)
	span.AddField("instances", len(configs))
	span.AddField("binary", cfg.Binary)
	span.RecordMetric(o11y.Timing("harness.supervisor.start", "result"))

	// registered first so it runs after the socket and staged files are released,
	// and sees any error from doing so
	defer c.abortOnFailure(ctx, &cluster, &err)

	l, err := readiness.Listen(ctx, cfg.PingAddr)
	if err != nil {
		return nil, err
	}
	defer closer.ErrorHandler(l, &err)
	l.PollInterval = cfg.PollInterval
	l.Deadline = cfg.ReadyTimeout

	stager, err := configstage.New("", "harness-"+c.runID+"-")
	if err != nil {
		return nil, err
	}
	defer closer.ErrorHandlerFunc(stager.Cleanup, &err)

	err = c.launch(ctx, stager, l.Addr(), configs)
	if err != nil {
		return nil, err
	}

	err = c.awaitReady(ctx, l)
	if err != nil {
		return nil, err
	}

	err = c.probe(ctx)
	if err != nil {
		return nil, err
	}

	o11y.Log(ctx, "supervisor: cluster ready",
		o11y.Field("instances", len(c.instances)),
		o11y.Field("run_id", c.runID),
	)
	return c, nil
}

func (c *Cluster) launch(ctx context.Context, stager *configstage.Stager, target string, configs []interface{}) error {
	procCfg := process.Config{
		Binary:     c.cfg.Binary,
		Args:       c.cfg.Args,
		ExtraArgs:  c.cfg.ExtraArgs,
		Env:        c.cfg.Env,
		InheritEnv: c.cfg.InheritEnv,
		PingTarget: target,
		Debug:      c.cfg.Debug,
		Stdout:     c.cfg.Stdout,
		Stderr:     c.cfg.Stderr,
	}

	for id, raw := range configs {
		path, err := stager.Stage(id, raw)
		if err != nil {
			return err
		}
		p, err := process.Launch(ctx, procCfg, id, path)
		if err != nil {
			return err
		}
		c.procs = append(c.procs, p)
		if c.cfg.OnLaunch != nil {
			c.cfg.OnLaunch(p)
		}
	}
	return nil
}

func (c *Cluster) awaitReady(ctx context.Context, l *readiness.Listener) error {
	outstanding := make(map[int]readiness.Liveness, len(c.procs))
	for _, p := range c.procs {
		outstanding[p.ID()] = p
	}

	ready, err := l.Await(ctx, outstanding)
	if err != nil {
		return c.withLogTail(err)
	}

	ports := make(map[int]int, len(ready))
	for _, hs := range ready {
		ports[hs.ID] = hs.Port
	}
	for _, p := range c.procs {
		c.instances = append(c.instances, instance.New(p.ID(), ports[p.ID()], p))
	}
	return nil
}

func (c *Cluster) probe(ctx context.Context) error {
	for _, i := range c.instances {
		name := fmt.Sprintf("instance %d liveness", i.ID())
		err := timeout.GuardNamed(ctx, name, c.cfg.ProbeTimeout, i.UtilsWait)
		if err != nil {
			return fmt.Errorf("instance %d is not live: %w", i.ID(), err)
		}
	}
	return nil
}

const logTailLines = 20

func (c *Cluster) withLogTail(err error) error {
	pe := &readiness.PrematureExitError{}
	if !errors.As(err, &pe) || pe.ID < 0 || pe.ID >= len(c.procs) {
		return err
	}
	tail := c.procs[pe.ID].LogTail(logTailLines)
	if tail == "" {
		return err
	}
	return fmt.Errorf("%w, last output:\n%s", err, tail)
}

// Instances are the ready instances, in id order.
func (c *Cluster) Instances() []*instance.Instance {
	return c.instances
}

// RunID identifies this cluster in traces.
func (c *Cluster) RunID() string {
	return c.runID
}

// Stop terminates every instance and waits for them to exit. If any instance exits with a
// non-zero code a *process.ExitError is returned. Instances that have not exited within
// StopTimeout are killed after KillAfter, or straight away once ctx is done. Stop can be called
// more than once, later calls return the result of the first.
func (c *Cluster) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop(ctx)
	})
	return c.stopErr
}

func (c *Cluster) stop(ctx context.Context) (err error) {
	ctx, span := o11y.StartSpan(ctx, "supervisor: stop")
	defer o11y.End(span, &err)
	span.AddField("run_id", c.runID)
	span.RecordMetric(o11y.Timing("harness.supervisor.stop", "result"))

	defer func() {
		err = errors.Join(err, c.reap(ctx))
	}()

	c.terminate(ctx)
	return timeout.GuardNamed(ctx, "stop", c.cfg.StopTimeout, func(ctx context.Context) error {
		return process.WaitAll(ctx, c.waiters()...)
	})
}

// abortOnFailure is deferred by Start. If Start is panicking or failing, including failing to
// release the readiness socket after the cluster was ready, everything launched is stopped and
// no cluster is returned.
func (c *Cluster) abortOnFailure(ctx context.Context, cluster **Cluster, err *error) {
	if r := recover(); r != nil {
		c.abort(ctx)
		panic(r)
	}
	if *err != nil {
		c.abort(ctx)
		*cluster = nil
	}
}

// abort stops whatever has been launched when Start fails. Its errors are only logged so the
// reason Start failed is what is returned. It runs even if ctx is done.
func (c *Cluster) abort(ctx context.Context) {
	ctx, cancel := recontext.WithNewTimeout(ctx, c.teardownTimeout())
	defer cancel()
	ctx, span := o11y.StartSpan(ctx, "supervisor: abort")
	defer span.End()
	span.AddField("launched", len(c.procs))

	c.terminate(ctx)
	err := timeout.GuardNamed(ctx, "abort", c.cfg.StopTimeout, func(ctx context.Context) error {
		return process.WaitAll(ctx, c.waiters()...)
	})
	if err != nil {
		o11y.LogError(ctx, "supervisor: abort wait", err)
	}
	if err := c.reap(ctx); err != nil {
		o11y.LogError(ctx, "supervisor: abort reap", err)
	}
}

func (c *Cluster) terminate(ctx context.Context) {
	for _, p := range c.procs {
		if _, exited := p.Poll(); exited {
			continue
		}
		if err := p.Terminate(); err != nil {
			o11y.LogError(ctx, "supervisor: terminate", err, o11y.Field("instance", p.ID()))
		}
	}
}

// reap makes sure no process is left running, killing any that outlive KillAfter.
func (c *Cluster) reap(ctx context.Context) error {
	g := errgroup.Group{}
	errs := make([]error, len(c.procs))
	for i, p := range c.procs {
		i, p := i, p
		g.Go(func() error {
			errs[i] = p.Reap(ctx, c.cfg.KillAfter)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// teardownTimeout is long enough for a graceful stop followed by killing any stragglers.
func (c *Cluster) teardownTimeout() time.Duration {
	return c.cfg.StopTimeout + 2*c.cfg.KillAfter
}

func (c *Cluster) waiters() []process.Waiter {
	ws := make([]process.Waiter, 0, len(c.procs))
	for _, p := range c.procs {
		ws = append(ws, p)
	}
	return ws
}
