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
	"runtime"
	"strings"

	"github.com/google/subcommands"

	"github.com/inet-go/tcpsim/pkg/tcpip/transport/tcp"
	"github.com/inet-go/tcpsim/tcpsim/version"
)

// Version implements subcommands.Command for the "version" command.
type Version struct {
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Version) Name() string {
	return "version"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Version) Synopsis() string {
	return "print version information"
}

// Usage implements subcommands.Command.Usage.
func (*Version) Usage() string {
	return "version - prints the tcpsim version and the available congestion control algorithms.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Version) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (v *Version) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if v.stdout == nil {
		v.stdout = os.Stdout
	}
	fmt.Fprintf(v.stdout, "tcpsim version %s\n", version.Version())
	fmt.Fprintf(v.stdout, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(v.stdout, "algorithms: %s\n", strings.Join(tcp.AlgorithmNames(), ", "))
	return subcommands.ExitSuccess
}
