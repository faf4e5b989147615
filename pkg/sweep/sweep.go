/*
Copyright 2024 The Dropwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sweep implements the orphan sweeper (spec §4.9): on startup,
// scratch directories left behind by a crashed or killed prior process
// are found in the working directory and the OS temp directory, and
// removed.
package sweep

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// SendPrefix and RecvPrefix name provider- and receiver-side scratch
// directories respectively (spec §6's scratch directory layout); both
// are glob-matched with a trailing "*".
const (
	SendPrefix = ".sendme-send-"
	RecvPrefix = ".sendme-recv-"
)

// Run scans cwd and os.TempDir() for entries matching SendPrefix*/
// RecvPrefix* and removes them recursively. Failures are logged at warn
// level and do not stop the sweep or block startup (spec §4.9).
func Run(cwd string, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	dirs := map[string]bool{cwd: true, os.TempDir(): true}
	for dir := range dirs {
		sweepDir(dir, log)
	}
}

func sweepDir(dir string, log *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("sweep: could not list directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, SendPrefix) && !strings.HasPrefix(name, RecvPrefix) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.RemoveAll(path); err != nil {
			log.Warn("sweep: could not remove orphaned scratch directory", zap.String("path", path), zap.Error(err))
		}
	}
}

// SendDir returns the provider-side scratch directory name for a fresh
// share (suffix is a 16-hex-digit string, per spec §6).
func SendDir(base, suffix string) string {
	return filepath.Join(base, SendPrefix+suffix)
}

// RecvDir returns the receiver-side scratch directory name for
// rootHashHex (spec §4.5 step 3).
func RecvDir(base, rootHashHex string) string {
	return filepath.Join(base, RecvPrefix+rootHashHex)
}
