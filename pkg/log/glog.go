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


package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is used for the threadid component of the header, padded to the
// seven columns glog uses.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelChars maps levels to the first column of a line.
var levelChars = map[Level]byte{
	Debug:   'D',
	Info:    'I',
	Warning: 'W',
}

// glogHeader appends the header of a line logged at timestamp from
// file:line.
//
// Log lines have the form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func glogHeader(b []byte, level Level, timestamp time.Time, file string, line int) []byte {
	c, ok := levelChars[level]
	if !ok {
		c = '?'
	}
	b = append(b, c)
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, filepath.Base(file)...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(line), 10)
	return append(b, "] "...)
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		file, line = "???", 0
	}
	var local [256]byte
	b := glogHeader(local[:0], level, timestamp, file, line)
	b = fmt.Appendf(b, format, args...)
	b = append(b, '\n')
	g.Emitter.Emit(depth+1, level, timestamp, "%s", b)
}
