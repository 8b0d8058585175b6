package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/circleci/harness/configstage"
	"github.com/circleci/harness/instance"
	"github.com/circleci/harness/process"
	"github.com/circleci/harness/readiness"
	"github.com/circleci/harness/testing/testcontext"
	"github.com/circleci/harness/timeout"
)

func TestRun_Cluster(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	configs := []interface{}{
		map[string]interface{}{"name": "a"},
		map[string]interface{}{"name": "b"},
		map[string]interface{}{"name": "c"},
	}
	err := Run(ctx, cfg, configs, func(ctx context.Context, instances []*instance.Instance) error {
		assert.Assert(t, cmp.Len(instances, 3))

		for i, name := range []string{"a", "b", "c"} {
			inst := instances[i]
			assert.Check(t, cmp.Equal(inst.ID(), i))
			assert.Check(t, inst.Port() > 0)

			status, err := inst.Status(ctx)
			assert.Assert(t, err)
			assert.Check(t, cmp.Equal(status["id"], float64(i)))
			assert.Check(t, cmp.Equal(status["name"], name))
			assert.Check(t, cmp.Equal(status["port"], float64(inst.Port())))
			assert.Check(t, cmp.Equal(status["greeting"], "hello"))
		}

		resp, err := instances[0].ClusterAddNode(ctx, instances[1].URI())
		assert.Assert(t, err)
		assert.Check(t, cmp.DeepEqual(resp["nodes"], []interface{}{instances[1].URI()}))

		status, err := instances[0].ClusterStatus(ctx)
		assert.Assert(t, err)
		assert.Check(t, cmp.DeepEqual(status["nodes"], []interface{}{instances[1].URI()}))
		return nil
	})
	assert.Assert(t, err)
	assertAllExited(t, launched.all(), 3)
}

func TestStart_ConfigFileAndNoConfig(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	f := fs.NewFile(t, "instance-config", fs.WithContent("name: from-file\n"))

	c, err := Start(ctx, cfg, []interface{}{nil, configstage.File(f.Path())})
	assert.Assert(t, err)
	defer func() {
		assert.Check(t, c.Stop(ctx))
	}()

	procs := launched.all()
	assert.Check(t, cmp.Equal(procs[0].ConfigPath(), ""))
	assert.Check(t, cmp.Equal(procs[1].ConfigPath(), f.Path()))

	status, err := c.Instances()[1].Status(ctx)
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(status["name"], "from-file"))

	status, err = c.Instances()[0].Status(ctx)
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(status["name"], ""))
}

func TestStart_StagedConfigsRemoved(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	c, err := Start(ctx, cfg, []interface{}{map[string]interface{}{"name": "a"}})
	assert.Assert(t, err)
	defer func() {
		assert.Check(t, c.Stop(ctx))
	}()

	path := launched.all()[0].ConfigPath()
	assert.Check(t, path != "")
	_, err = os.Stat(path)
	assert.Check(t, os.IsNotExist(err), "staged config should be removed once ready")
}

func TestStart_NoConfigs(t *testing.T) {
	_, err := Start(testcontext.Background(), Config{Binary: fakeServiceBinary}, nil)
	assert.Check(t, cmp.ErrorIs(err, ErrNoConfigs))
}

func TestStart_PrematureExit(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	configs := []interface{}{
		map[string]interface{}{"name": "a"},
		map[string]interface{}{"name": "b", "exit_code": 3},
		map[string]interface{}{"name": "c"},
	}
	_, err := Start(ctx, cfg, configs)
	assert.Check(t, cmp.ErrorIs(err, readiness.ErrPrematureExit))

	pe := &readiness.PrematureExitError{}
	assert.Assert(t, errors.As(err, &pe))
	assert.Check(t, cmp.Equal(pe.ID, 1))
	assert.Check(t, cmp.Equal(pe.Code, 3))
	assert.Check(t, cmp.ErrorContains(err, "instance 1 (b) starting"))

	assertAllExited(t, launched.all(), 3)
}

func TestStart_UnexpectedInstance(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	configs := []interface{}{
		map[string]interface{}{"name": "a", "ping_id": 7},
		map[string]interface{}{"name": "b"},
	}
	_, err := Start(ctx, cfg, configs)
	assert.Check(t, cmp.ErrorIs(err, readiness.ErrUnexpectedInstance))
	assert.Check(t, cmp.ErrorContains(err, "'7'"))

	assertAllExited(t, launched.all(), 2)
}

func TestStart_DuplicateInstance(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	configs := []interface{}{
		map[string]interface{}{"name": "a", "ping_twice": true},
		map[string]interface{}{"name": "b", "no_ping": true},
	}
	_, err := Start(ctx, cfg, configs)
	assert.Check(t, cmp.ErrorIs(err, readiness.ErrDuplicateInstance))

	assertAllExited(t, launched.all(), 2)
}

func TestStart_ReadyTimeout(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()
	cfg.ReadyTimeout = 500 * time.Millisecond

	_, err := Start(ctx, cfg, []interface{}{map[string]interface{}{"no_ping": true}})
	assert.Check(t, cmp.ErrorIs(err, readiness.ErrDeadline))

	assertAllExited(t, launched.all(), 1)
}

func TestStart_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(testcontext.Background(), 500*time.Millisecond)
	defer cancel()
	cfg, launched := testConfig()

	_, err := Start(ctx, cfg, []interface{}{map[string]interface{}{"no_ping": true}})
	assert.Check(t, cmp.ErrorIs(err, context.DeadlineExceeded))

	assertAllExited(t, launched.all(), 1)
}

func TestStart_NotLive(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()
	cfg.ProbeTimeout = time.Second

	_, err := Start(ctx, cfg, []interface{}{map[string]interface{}{"unhealthy": true}})
	assert.Check(t, cmp.ErrorContains(err, "instance 0 is not live"))

	assertAllExited(t, launched.all(), 1)
}

func TestStart_BinaryMissing(t *testing.T) {
	ctx := testcontext.Background()
	cfg, _ := testConfig()
	cfg.Binary = "/does/not/exist"

	_, err := Start(ctx, cfg, []interface{}{nil})
	assert.Check(t, cmp.ErrorContains(err, "failed to start instance 0"))
}

func TestStart_StagingFailsPartWay(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	_, err := Start(ctx, cfg, []interface{}{
		map[string]interface{}{"name": "a"},
		map[string]interface{}{"name": "b", "handler": func() {}},
	})
	assert.Check(t, cmp.ErrorContains(err, "failed to marshal config for instance 1"))

	assertAllExited(t, launched.all(), 1)
}

func TestStart_OnLaunchPanics(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()
	record := cfg.OnLaunch
	cfg.OnLaunch = func(p *process.Process) {
		record(p)
		if p.ID() == 1 {
			panic("boom")
		}
	}

	func() {
		defer func() {
			assert.Check(t, cmp.Equal(recover(), "boom"))
		}()
		_, _ = Start(ctx, cfg, []interface{}{nil, nil, nil})
	}()

	assertAllExited(t, launched.all(), 2)
}

func TestStart_FailingAfterReadyReturnsNoCluster(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	c, err := Start(ctx, cfg, []interface{}{nil, nil})
	assert.Assert(t, err)

	// as if releasing the readiness socket failed once the cluster was ready
	cluster := c
	err = errors.New("failed to close readiness socket")
	c.abortOnFailure(ctx, &cluster, &err)

	assert.Check(t, cluster == nil)
	assertAllExited(t, launched.all(), 2)
}

func TestStop_ExitCodes(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	c, err := Start(ctx, cfg, []interface{}{
		map[string]interface{}{"name": "a", "stop_exit_code": 4},
		map[string]interface{}{"name": "b"},
	})
	assert.Assert(t, err)

	err = c.Stop(ctx)
	exitErr := &process.ExitError{}
	assert.Assert(t, errors.As(err, &exitErr))
	assert.Check(t, cmp.Len(exitErr.Codes, 2))
	assert.Check(t, cmp.Contains(exitErr.Codes, 4))
	assert.Check(t, cmp.Contains(exitErr.Codes, 0))

	t.Run("stop again", func(t *testing.T) {
		assert.Check(t, cmp.Equal(c.Stop(ctx), err))
	})

	assertAllExited(t, launched.all(), 2)
}

func TestStop_KillsIgnoredTermination(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()
	cfg.StopTimeout = 300 * time.Millisecond
	cfg.KillAfter = 300 * time.Millisecond

	c, err := Start(ctx, cfg, []interface{}{map[string]interface{}{"ignore_term": true}})
	assert.Assert(t, err)

	err = c.Stop(ctx)
	assert.Check(t, cmp.ErrorIs(err, timeout.ErrTimeout))
	assert.Check(t, cmp.ErrorContains(err, "killed"))

	procs := launched.all()
	assertAllExited(t, procs, 1)
	code, _ := procs[0].Poll()
	assert.Check(t, cmp.Equal(code, -int(syscall.SIGKILL)))
}

func TestRun_JoinsErrors(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()
	errSentinel := errors.New("sentinel")

	err := Run(ctx, cfg, []interface{}{map[string]interface{}{"stop_exit_code": 2}},
		func(ctx context.Context, instances []*instance.Instance) error {
			return errSentinel
		})
	assert.Check(t, cmp.ErrorIs(err, errSentinel))
	exitErr := &process.ExitError{}
	assert.Check(t, errors.As(err, &exitErr))

	assertAllExited(t, launched.all(), 1)
}

func TestRun_Panics(t *testing.T) {
	ctx := testcontext.Background()
	cfg, launched := testConfig()

	func() {
		defer func() {
			assert.Check(t, cmp.Equal(recover(), "boom"))
		}()
		_ = Run(ctx, cfg, []interface{}{nil}, func(ctx context.Context, instances []*instance.Instance) error {
			panic("boom")
		})
	}()

	assertAllExited(t, launched.all(), 1)
}

func testConfig() (Config, *launchRecorder) {
	rec := &launchRecorder{}
	return Config{
		Binary:       fakeServiceBinary,
		Env:          []string{"FAKESERVICE_GREETING=hello"},
		PingAddr:     "127.0.0.1:0",
		StopTimeout:  5 * time.Second,
		KillAfter:    2 * time.Second,
		ProbeTimeout: 5 * time.Second,
		OnLaunch:     rec.record,
	}, rec
}

type launchRecorder struct {
	mu    sync.Mutex
	procs []*process.Process
}

func (r *launchRecorder) record(p *process.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs = append(r.procs, p)
}

func (r *launchRecorder) all() []*process.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*process.Process{}, r.procs...)
}

func assertAllExited(t *testing.T, procs []*process.Process, launched int) {
	t.Helper()
	assert.Check(t, cmp.Len(procs, launched))
	for _, p := range procs {
		_, exited := p.Poll()
		assert.Check(t, exited, "instance %d is still running", p.ID())
	}
}
