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
	"context"
	"flag"
	"fmt"

	"dropwire.dev/pkg/cmdmain"
	"dropwire.dev/pkg/dropwire"
	"dropwire.dev/pkg/endpoint"
)

type recvCmd struct {
	out       string
	dnsServer string
}

func init() {
	cmdmain.RegisterCommand("recv", func(flags *flag.FlagSet) cmdmain.CommandRunner {
		c := &recvCmd{}
		flags.StringVar(&c.out, "out", "", "output directory (defaults to the current directory)")
		flags.StringVar(&c.dnsServer, "dns-server", "", "DNS server to query for Id-only tickets (host:port; empty uses the system resolver)")
		return c
	})
}

func (c *recvCmd) Describe() string { return "redeem a ticket and download its collection" }

func (c *recvCmd) Usage() {
	fmt.Fprintln(cmdmain.Stderr, "Usage: sendctl recv [opts] <ticket>")
}

func (c *recvCmd) Examples() []string {
	return []string{"-out=./downloads b32...ticket..."}
}

func (c *recvCmd) RunCommand(args []string) error {
	if len(args) != 1 {
		return cmdmain.UsageError("recv takes exactly one ticket")
	}

	log := newLogger()
	outcome, err := dropwire.Download(context.Background(), args[0], dropwire.DownloadOptions{
		OutputDir: c.out,
		RelayMode: endpoint.RelayDefault,
		DNSServer: c.dnsServer,
	}, newPrintObserver(), log)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmdmain.Stdout, outcome.Message)
	fmt.Fprintf(cmdmain.Stdout, "Saved to: %s\n", outcome.FilePath)
	return nil
}
