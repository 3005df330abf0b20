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
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/inet-go/tcpsim/tcpsim/cmd/util"
	"github.com/inet-go/tcpsim/tcpsim/config"
)

// Defaults implements subcommands.Command for the "defaults" command.
type Defaults struct {
	format string
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Defaults) Name() string {
	return "defaults"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Defaults) Synopsis() string {
	return "print the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Defaults) Usage() string {
	return `defaults [-format=toml|yaml] - prints the configuration after applying the config file, environment and flags.

The output is accepted by --config.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Defaults) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.format, "format", "toml", "output format: toml or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (d *Defaults) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if d.stdout == nil {
		d.stdout = os.Stdout
	}

	var err error
	switch d.format {
	case "toml":
		err = conf.WriteTOML(d.stdout)
	case "yaml":
		err = conf.WriteYAML(d.stdout)
	default:
		util.Fatalf("unknown format %q, want toml or yaml", d.format)
		return subcommands.ExitUsageError
	}
	if err != nil {
		util.Fatalf("writing configuration: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
