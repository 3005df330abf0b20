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

// Package cmd holds implementations of the tcpsim commands.
package cmd

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/inet-go/tcpsim/tcpsim/scenario"
)

// loadScenarios reads every scenario in the files at paths. It reports the
// problems of all files at once.
func loadScenarios(paths []string) ([]*scenario.Scenario, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files given")
	}
	var all []*scenario.Scenario
	var errs *multierror.Error
	for _, p := range paths {
		scs, err := scenario.Load(p)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		all = append(all, scs...)
	}
	return all, errs.ErrorOrNil()
}
