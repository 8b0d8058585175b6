// Command harness launches a cluster of instances of a service, prints where each one can be
// reached, and keeps them running until it is interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log" //nolint:depguard // non-o11y log is allowed for a top-level fatal
	"os"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	o11yconf "github.com/circleci/harness/config/o11y"
	"github.com/circleci/harness/config/secret"
	"github.com/circleci/harness/configstage"
	"github.com/circleci/harness/instance"
	"github.com/circleci/harness/o11y"
	"github.com/circleci/harness/supervisor"
	"github.com/circleci/harness/termination"
)

// Version is set at build time.
var Version = "dev"

type cli struct {
	Binary  string   `arg:"" help:"The service binary to launch."`
	Configs []string `arg:"" optional:"" help:"YAML configuration files, one instance is launched per file."`

	Instances int               `default:"1" help:"How many instances to launch when no configuration files are given."`
	Set       map[string]string `help:"Override a top level configuration key in every instance, as key=value."`
	Arg       []string          `help:"Arguments passed to the binary before the harness arguments."`
	ExtraArg  []string          `help:"Arguments passed to the binary after the configuration file."`
	Env       []string          `help:"KEY=VALUE pairs added to the environment of every instance."`
	CleanEnv  bool              `help:"Do not pass the harness's own environment on to instances."`

	PingAddr     string        `env:"HARNESS_PING_ADDR" default:"localhost:12021" help:"Address the readiness socket is bound to."`
	ReadyTimeout time.Duration `env:"HARNESS_READY_TIMEOUT" help:"Give up if the instances are not all ready in this time. Unbounded if not set."`
	StopTimeout  time.Duration `env:"HARNESS_STOP_TIMEOUT" default:"10s" help:"How long instances have to exit once terminated."`
	KillAfter    time.Duration `env:"HARNESS_KILL_AFTER" default:"10s" help:"How long after the stop timeout instances are killed."`
	Debug        bool          `env:"HARNESS_DEBUG" help:"Pass instance output through, tagged with the instance id."`

	O11yStatsd           string        `name:"o11y-statsd" env:"O11Y_STATSD" help:"Address to send statsd metrics."`
	O11yHoneycombEnabled bool          `name:"o11y-honeycomb" env:"O11Y_HONEYCOMB" help:"Send traces to honeycomb."`
	O11yHoneycombDataset string        `name:"o11y-honeycomb-dataset" env:"O11Y_HONEYCOMB_DATASET" default:"harness"`
	O11yHoneycombKey     secret.String `name:"o11y-honeycomb-key" env:"O11Y_HONEYCOMB_KEY"`
	O11yFormat           string        `name:"o11y-format" env:"O11Y_FORMAT" enum:"json,color,text,none" default:"color" help:"Format used for stderr logging."`
}

func main() {
	c := cli{}
	kong.Parse(&c,
		kong.Name("harness"),
		kong.Description("Launch instances of a service and wait for them to be ready."),
	)

	err := runMain(c)
	if err != nil {
		log.Fatal("Unexpected Error: ", err)
	}
}

func runMain(c cli) error {
	ctx, o11yCleanup, err := o11yconf.Setup(context.Background(), o11yconf.Config{
		Statsd:           c.O11yStatsd,
		HoneycombEnabled: c.O11yHoneycombEnabled,
		HoneycombDataset: c.O11yHoneycombDataset,
		HoneycombKey:     c.O11yHoneycombKey,
		Format:           c.O11yFormat,
		Version:          Version,
		Service:          "harness",
		StatsNamespace:   "circleci.harness.",
		Writer:           os.Stderr,
	})
	if err != nil {
		return err
	}
	defer o11yCleanup(ctx)

	return run(ctx, c, os.Stdout)
}

func run(ctx context.Context, c cli, out io.Writer) (err error) {
	ctx, span := o11y.StartSpan(ctx, "main: run")
	defer o11y.End(span, &err)

	o11y.Log(ctx, "starting harness",
		o11y.Field("version", Version),
		o11y.Field("binary", c.Binary),
	)

	configs, err := loadConfigs(c)
	if err != nil {
		return err
	}

	return supervisor.Run(ctx, supervisorConfig(c), configs,
		func(ctx context.Context, instances []*instance.Instance) error {
			for _, i := range instances {
				_, _ = fmt.Fprintf(out, "instance-%d %s\n", i.ID(), i.URI())
			}
			err := termination.Handle(ctx)
			if errors.Is(err, termination.ErrTerminated) {
				// asked to stop, so only a failure to stop cleanly is an error
				o11y.Log(ctx, "harness: terminated", o11y.Field("reason", err.Error()))
				return nil
			}
			return err
		})
}

func supervisorConfig(c cli) supervisor.Config {
	return supervisor.Config{
		Binary:       c.Binary,
		Args:         c.Arg,
		ExtraArgs:    c.ExtraArg,
		Env:          c.Env,
		InheritEnv:   !c.CleanEnv,
		PingAddr:     c.PingAddr,
		ReadyTimeout: c.ReadyTimeout,
		StopTimeout:  c.StopTimeout,
		KillAfter:    c.KillAfter,
		Debug:        c.Debug,
	}
}

// loadConfigs returns one configuration per instance. Files are passed on as they are unless
// there are overrides to apply, in which case they are loaded and staged afresh.
func loadConfigs(c cli) ([]interface{}, error) {
	overrides, err := parseOverrides(c.Set)
	if err != nil {
		return nil, err
	}

	if len(c.Configs) == 0 {
		if c.Instances <= 0 {
			return nil, fmt.Errorf("at least one instance is required, got %d", c.Instances)
		}
		configs := make([]interface{}, c.Instances)
		if len(overrides) > 0 {
			for i := range configs {
				configs[i] = withOverrides(map[string]interface{}{}, overrides)
			}
		}
		return configs, nil
	}

	configs := make([]interface{}, 0, len(c.Configs))
	for _, path := range c.Configs {
		cfg, err := configstage.Load(path)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		if len(overrides) == 0 {
			configs = append(configs, configstage.File(path))
			continue
		}
		configs = append(configs, withOverrides(cfg, overrides))
	}
	return configs, nil
}

// parseOverrides reads each value as YAML, so numbers and booleans keep their type.
func parseOverrides(set map[string]string) (map[string]interface{}, error) {
	overrides := make(map[string]interface{}, len(set))
	for k, raw := range set {
		var v interface{}
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", k, err)
		}
		overrides[k] = v
	}
	return overrides, nil
}

func withOverrides(cfg, overrides map[string]interface{}) map[string]interface{} {
	for k, v := range overrides {
		cfg[k] = v
	}
	return cfg
}
