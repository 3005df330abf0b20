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
	"github.com/hashicorp/go-multierror"

	"github.com/inet-go/tcpsim/tcpsim/config"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct {
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "check scenario files without running them"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate <scenario file>... - reports every problem of the scenarios in the given files.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Validate) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (v *Validate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if v.stdout == nil {
		v.stdout = os.Stdout
	}

	scs, err := loadScenarios(f.Args())
	if err != nil {
		fmt.Fprintf(v.stdout, "ERROR %v\n", err)
		return subcommands.ExitFailure
	}
	status := subcommands.ExitSuccess
	for _, sc := range scs {
		if err := sc.Validate(conf); err != nil {
			fmt.Fprintf(v.stdout, "INVALID %s\n", sc)
			errs := []error{err}
			if merr, ok := err.(*multierror.Error); ok {
				errs = merr.Errors
			}
			for _, e := range errs {
				fmt.Fprintf(v.stdout, "  %v\n", e)
			}
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintf(v.stdout, "OK %s\n", sc)
	}
	return status
}
