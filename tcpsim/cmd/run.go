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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/inet-go/tcpsim/pkg/log"
	"github.com/inet-go/tcpsim/tcpsim/cmd/util"
	"github.com/inet-go/tcpsim/tcpsim/config"
	"github.com/inet-go/tcpsim/tcpsim/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// metrics is where Prometheus metrics are written. "-" is stdout.
	metrics string

	// quiet suppresses the per-run summaries.
	quiet bool

	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenarios and check their expectations"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario file>... - simulates every scenario in the given YAML files.

Exits with status 1 if a scenario fails to run or misses an expectation.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.metrics, "metrics", "", "file receiving run statistics in Prometheus text format; - for stdout.")
	f.BoolVar(&r.quiet, "quiet", false, "do not print a summary of each run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if r.stdout == nil {
		r.stdout = os.Stdout
	}

	scs, err := loadScenarios(f.Args())
	if err != nil {
		util.Fatalf("loading scenarios: %v", err)
		return subcommands.ExitFailure
	}
	log.Infof("Running %d scenarios, %d at a time", len(scs), conf.Parallel)

	results, runErr := scenario.NewRunner(conf).RunAll(ctx, scs)
	passed := runErr == nil
	for _, res := range results {
		if res == nil {
			continue
		}
		if !res.Passed() {
			passed = false
		}
		if !r.quiet {
			fmt.Fprint(r.stdout, res)
		}
	}
	if runErr != nil {
		log.Warningf("Scenarios failed to run: %v", runErr)
		fmt.Fprintf(r.stdout, "ERROR %v\n", runErr)
	}

	if r.metrics != "" {
		if err := r.writeMetrics(results); err != nil {
			util.Fatalf("writing metrics: %v", err)
			return subcommands.ExitFailure
		}
	}
	if !passed {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (r *Run) writeMetrics(results []*scenario.Result) error {
	if r.metrics == "-" {
		return scenario.WriteMetrics(r.stdout, results)
	}
	f, err := os.Create(r.metrics)
	if err != nil {
		return err
	}
	if err := scenario.WriteMetrics(f, results); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Infof("Wrote metrics of %d runs to %s", len(results), r.metrics)
	return nil
}
