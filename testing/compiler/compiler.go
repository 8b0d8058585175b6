package compiler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

type Compiler struct {
	dir         string
	parallelism int
}

func New() *Compiler {
	tempDir, err := os.MkdirTemp("", "acceptance-tests")
	if err != nil {
		panic(err)
	}

	return &Compiler{
		dir:         tempDir,
		parallelism: 2,
	}
}

func (c *Compiler) Dir() string {
	return c.dir
}

func (c *Compiler) Cleanup() {
	_ = os.RemoveAll(c.dir)
}

type Work struct {
	Name        string
	Target      string
	Source      string
	Environment []string

	Result *string
}

func (w Work) validate() error {
	switch {
	case w.Name == "":
		return fmt.Errorf("work.Name not set")
	case w.Target == "":
		return fmt.Errorf("work.Target not set")
	case w.Source == "":
		return fmt.Errorf("work.Source not set")
	}
	return nil
}

// Compile a binary for testing. work.Target is the module directory the build runs in, and
// work.Source the main package relative to it.
func (c *Compiler) Compile(ctx context.Context, work Work) (string, error) {
	if err := work.validate(); err != nil {
		return "", err
	}
	cwd, err := filepath.Abs(work.Target)
	if err != nil {
		return "", err
	}

	goos := runtime.GOOS
	for _, e := range work.Environment {
		if strings.HasPrefix(e, "GOOS=") {
			goos = strings.SplitN(e, "=", 2)[1]
		}
	}

	path := binaryPath(work.Name, c.dir, goos)
	// #nosec - this is fine
	cmd := exec.CommandContext(ctx, goPath(), "build",
		"-o", path,
		work.Source,
	)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	cmd.Env = append(cmd.Env, work.Environment...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err = cmd.Run()
	if err != nil {
		return "", fmt.Errorf("failed to compile %s: %w", work.Name, err)
	}

	if work.Result != nil {
		*work.Result = path
	}
	return path, nil
}

// Run compiles all of work, a couple of binaries at a time. Work that already has a
// result is skipped.
func (c *Compiler) Run(ctx context.Context, work ...Work) error {
	workCh := make(chan Work, len(work))
	for _, w := range work {
		if w.Result != nil && *w.Result != "" {
			continue
		}
		workCh <- w
	}
	close(workCh)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.parallelism; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case w, ok := <-workCh:
					if !ok {
						return nil
					}
					if _, err := c.Compile(ctx, w); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

func goPath() string {
	goroot := os.Getenv("GOROOT")
	if goroot == "" {
		return "go"
	}
	return filepath.Join(goroot, "bin", "go")
}

func binaryPath(name, tempDir, goos string) string {
	path := filepath.Join(tempDir, name)
	if goos == "windows" {
		return path + ".exe"
	}
	return path
}
