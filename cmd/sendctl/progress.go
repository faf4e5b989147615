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

package main

import (
	"fmt"

	"dropwire.dev/pkg/cmdmain"
)

// printObserver is the progress.Observer sendctl's modes pass to
// StartShare/Download: a terse one-line-per-event printer to Stdout,
// the CLI-appropriate analogue of a GUI progress bar.
type printObserver struct{}

func newPrintObserver() *printObserver { return &printObserver{} }

func (printObserver) Emit(name string) {
	fmt.Fprintf(cmdmain.Stdout, "[%s]\n", name)
}

func (printObserver) EmitWithPayload(name string, payload string) {
	fmt.Fprintf(cmdmain.Stdout, "[%s] %s\n", name, payload)
}
