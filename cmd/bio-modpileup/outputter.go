// Copyright 2023 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/log"
)

// fileOutputter sends every log level to a file; writes are serialized so
// worker goroutines can log concurrently.
type fileOutputter struct {
	w io.Writer
}

var fileOutputterMu sync.Mutex

func (o fileOutputter) Level() log.Level { return log.Debug }

func (o fileOutputter) Output(calldepth int, level log.Level, s string) error {
	fileOutputterMu.Lock()
	defer fileOutputterMu.Unlock()
	_, err := fmt.Fprintf(o.w, "%s %v: %s\n", time.Now().Format(time.RFC3339), level, s)
	return err
}
