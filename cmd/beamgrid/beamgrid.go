package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"

	"github.com/beamgrid/go-beamgrid/cmd/beamgrid/starter"
	"github.com/beamgrid/go-beamgrid/core"
)

func main() {
	// Override the default flag set since there are dependencies that
	// incorrectly add their own flags (specifically, due to the flag.Parse
	// in testing.TestMain)
	flag.Set("logtostderr", "true")
	usr, err := os.UserHomeDir()
	if err != nil {
		glog.Fatalf("Cannot find current user: %v", err)
	}
	vFlag := flag.Lookup("v")

	fs := flag.NewFlagSet("beamgrid", flag.ExitOnError)

	cfg := starter.NewBeamGridConfig(fs)

	verbosity := fs.String("v", "3", "Log verbosity.  {4|5|6}")
	version := fs.Bool("version", false, "Print out the version")

	fs.String("config", "", "Config file in the format 'key value'")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("BG"),
	)
	if err != nil {
		glog.Fatalf("Error parsing config: %v", err)
	}
	flag.CommandLine.Parse(nil)
	vFlag.Value.Set(*verbosity)

	if *version {
		fmt.Println("BeamGrid Node Version: " + core.BeamGridVersion)
		fmt.Printf("Golang runtime version: %s %s\n", runtime.Compiler, runtime.Version())
		fmt.Printf("Architecture: %s\n", runtime.GOARCH)
		fmt.Printf("Operating system: %s\n", runtime.GOOS)
		return
	}

	if *cfg.Datadir == "" {
		*cfg.Datadir = usr + "/.beamgrid"
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()

	cfg.PrintConfig(os.Stdout)
	starter.StartBeamGrid(ctx, cfg)
}
