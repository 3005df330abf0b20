// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for tcpsim.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/inet-go/tcpsim/pkg/log"
	"github.com/inet-go/tcpsim/pkg/tcpip/link/sniffer"
	"github.com/inet-go/tcpsim/tcpsim/cmd"
	"github.com/inet-go/tcpsim/tcpsim/cmd/util"
	"github.com/inet-go/tcpsim/tcpsim/config"
	"github.com/inet-go/tcpsim/tcpsim/version"
)

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if flag.Lookup(versionFlagName).Value.(flag.Getter).Get().(bool) {
		fmt.Fprintf(os.Stdout, "tcpsim version %s\n", version.Version())
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	var logFile io.Writer = os.Stderr
	if conf.LogFile != "" {
		f, err := log.OpenFile(conf.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
			Default: "tcpsim-%TIMESTAMP%.log",
			Vars: map[string]string{
				"TIMESTAMP": time.Now().Format("20060102-150405.000000"),
				"PID":       strconv.Itoa(os.Getpid()),
				"COMMAND":   flag.CommandLine.Arg(0),
			},
		})
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFile, err)
		}
		logFile = f
		util.ErrorLogger = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, logFile))
	log.SetLevel(conf.Level())

	if conf.LogPackets {
		atomic.StoreUint32(&sniffer.LogPackets, 1)
	} else {
		atomic.StoreUint32(&sniffer.LogPackets, 0)
	}

	const delimString = `**************** tcpsim ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d", version.Version(), runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(ctx, conf)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
	} else {
		log.Warningf("Failure to execute command, status: %v", subcmdCode)
	}
	stop()
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by tcpsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Validate), "")
	cb(new(cmd.Defaults), "")
	cb(new(cmd.Version), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "logrus":
		return log.NewLogrusEmitter(logFile, nil)
	case "logrus-json":
		return log.NewLogrusEmitter(logFile, &logrus.JSONFormatter{})
	}
	util.Fatalf("invalid log format %q, must be 'text', 'json', 'logrus' or 'logrus-json'", format)
	panic("unreachable")
}
