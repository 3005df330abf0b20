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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/inet-go/tcpsim/pkg/log"
)

// ErrorLogger, if set, additionally receives fatal errors as JSON lines.
var ErrorLogger io.Writer

// exit is replaced in tests.
var exit = os.Exit

// Fatalf logs the same message to the log, to stderr and to ErrorLogger,
// and exits with error code 128.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "tcpsim: %s\n", msg)
	writeError(ErrorLogger, msg)
	exit(128)
}

// writeError writes msg to w as a logrus JSON entry at error level.
func writeError(w io.Writer, msg string) {
	if w == nil {
		return
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.Error(msg)
}

// Infof writes a message to stdout and logs it.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
