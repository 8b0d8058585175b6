// Command fakeservice is a stand-in for a service under test. It speaks the readiness protocol
// and serves a small cluster API, and its configuration file scripts how it misbehaves.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	o11yconf "github.com/circleci/harness/config/o11y"
	"github.com/circleci/harness/httpserver"
	"github.com/circleci/harness/httpserver/ginrouter"
	"github.com/circleci/harness/o11y"
	"github.com/circleci/harness/readiness"
	"github.com/circleci/harness/termination"
)

type cli struct {
	StartupPing string `name:"startup-ping" required:"" help:"Where to send the readiness handshake."`
	StartupID   int    `name:"startup-id" required:"" help:"The id to handshake as."`
	Port        int    `default:"0" help:"The port to serve the API on, 0 for any."`
	Config      string `arg:"" optional:"" help:"Path to a YAML file scripting the service."`
}

type script struct {
	Name string `yaml:"name"`
	// ExitCode, if set, makes the service exit with it before handshaking.
	ExitCode *int `yaml:"exit_code"`
	// PingID overrides the id sent in the handshake.
	PingID    *int `yaml:"ping_id"`
	PingTwice bool `yaml:"ping_twice"`
	NoPing    bool `yaml:"no_ping"`
	// StopExitCode is the exit code once terminated.
	StopExitCode int  `yaml:"stop_exit_code"`
	IgnoreTerm   bool `yaml:"ignore_term"`
	Unhealthy    bool `yaml:"unhealthy"`
}

func main() {
	c := cli{}
	kong.Parse(&c,
		kong.Name("fakeservice"),
		kong.Description("A scriptable service for exercising the harness."),
	)

	code, err := run(c)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "fakeservice:", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func run(c cli) (code int, err error) {
	s, err := loadScript(c.Config)
	if err != nil {
		return 1, err
	}
	fmt.Printf("instance %d (%s) starting\n", c.StartupID, s.Name)

	if s.ExitCode != nil {
		return *s.ExitCode, nil
	}
	if s.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}

	ctx, cleanup, err := o11yconf.Setup(context.Background(), o11yconf.Config{
		Format:  "text",
		Service: "fakeservice",
		Version: "dev",
		Writer:  os.Stdout,
	})
	if err != nil {
		return 1, err
	}
	defer cleanup(ctx)

	svc := &service{id: c.StartupID, name: s.Name, unhealthy: s.Unhealthy}
	srv, err := httpserver.New(ctx, httpserver.Config{
		Name:    "fakeservice",
		Addr:    fmt.Sprintf("localhost:%d", c.Port),
		Handler: svc.router(ctx),
	})
	if err != nil {
		return 1, err
	}
	svc.port = srv.Port()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	g.Go(func() error {
		if s.NoPing {
			return nil
		}
		id := c.StartupID
		if s.PingID != nil {
			id = *s.PingID
		}
		pings := 1
		if s.PingTwice {
			pings = 2
		}
		for i := 0; i < pings; i++ {
			if err := readiness.Ping(ctx, c.StartupPing, id, svc.port); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		if s.IgnoreTerm {
			<-ctx.Done()
			return nil
		}
		return termination.Handle(ctx)
	})

	err = g.Wait()
	if errors.Is(err, termination.ErrTerminated) {
		o11y.Log(ctx, "fakeservice: stopped", o11y.Field("exit_code", s.StopExitCode))
		return s.StopExitCode, nil
	}
	return 1, err
}

func loadScript(path string) (script, error) {
	s := script{}
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path) //#nosec:G304 // the path is given by the harness
	if err != nil {
		return s, err
	}
	err = yaml.Unmarshal(b, &s)
	return s, err
}

type service struct {
	id        int
	name      string
	port      int
	unhealthy bool

	mu    sync.Mutex
	nodes []string
}

func (s *service) router(ctx context.Context) http.Handler {
	r := ginrouter.Default(ctx, "fakeservice")
	r.GET("/status", s.status)
	r.GET("/cluster/status", s.clusterStatus)
	r.POST("/cluster/nodes", s.addNode)
	r.GET("/utils/wait", s.wait)
	return r
}

func (s *service) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"id":       s.id,
		"name":     s.name,
		"port":     s.port,
		"greeting": os.Getenv("FAKESERVICE_GREETING"),
	})
}

func (s *service) clusterStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"id":    s.id,
		"nodes": append([]string{}, s.nodes...),
	})
}

func (s *service) addNode(c *gin.Context) {
	var uri string
	if err := c.BindJSON(&uri); err != nil {
		return
	}
	s.mu.Lock()
	s.nodes = append(s.nodes, uri)
	nodes := append([]string{}, s.nodes...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (s *service) wait(c *gin.Context) {
	if s.unhealthy {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
