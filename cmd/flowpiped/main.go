// flowpiped is the flow pipeline daemon.
//
// It builds the ports, pipes and shared resources of its configuration
// file on a dataplane driver, ages entries and connection tracking
// sessions in the background, and serves the HTTP and gRPC management
// APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/flowpipe/pkg/config"
	"github.com/psaab/flowpipe/pkg/daemon"
	"github.com/psaab/flowpipe/pkg/dataplane"
	"github.com/psaab/flowpipe/pkg/logging"
)

func main() {
	configFile := flag.String("config", daemon.DefaultConfigFile, "configuration file path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if flag.Arg(0) == "check" {
		os.Exit(check(*configFile))
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	syslog := logging.NewSyslogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(slog.New(syslog))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		Syslog:     syslog,
	})
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "flowpiped: %v\n", err)
		os.Exit(1)
	}
}

// check validates the configuration file without touching a dataplane.
func check(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowpiped: %v\n", err)
		return 1
	}
	cfg, err := config.LoadConfig(string(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowpiped: %s: %v\n", path, err)
		return 1
	}
	for _, w := range cfg.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	fmt.Printf("%s: %d ports, %d pipes, %d shared resources; dataplane backends: %v\n",
		path, len(cfg.Ports), len(cfg.Pipes), len(cfg.SharedResources), dataplane.Backends())
	return 0
}
