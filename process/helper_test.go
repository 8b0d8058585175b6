package process

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

const helperEnv = "HARNESS_PROCESS_HELPER"

// TestMain lets the test binary stand in for a service binary, behaving as the
// helper mode in the environment says.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(helper(mode))
	}
	os.Exit(m.Run())
}

func helper(mode string) int {
	switch {
	case mode == "echo-args":
		fmt.Println(strings.Join(os.Args[1:], " "))
		fmt.Fprintln(os.Stderr, "to stderr")
		return 0
	case strings.HasPrefix(mode, "exit:"):
		code, _ := strconv.Atoi(strings.TrimPrefix(mode, "exit:"))
		return code
	case mode == "serve":
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGTERM, os.Interrupt)
		fmt.Println("serving")
		<-quit
		return 0
	case mode == "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ignoring")
		time.Sleep(time.Minute)
		return 0
	}
	return 99
}

func helperConfig(mode string) Config {
	return Config{
		Binary:     os.Args[0],
		Env:        []string{helperEnv + "=" + mode},
		InheritEnv: true,
		PingTarget: "udp://localhost:1",
	}
}
