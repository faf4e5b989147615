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
	"os"
	"os/signal"

	"go.uber.org/zap"

	"dropwire.dev/pkg/cmdmain"
	"dropwire.dev/pkg/dropwire"
	"dropwire.dev/pkg/endpoint"
	"dropwire.dev/pkg/ticket"
)

type sendCmd struct {
	relay string
	addrs bool
}

func init() {
	cmdmain.RegisterCommand("send", func(flags *flag.FlagSet) cmdmain.CommandRunner {
		c := &sendCmd{}
		flags.StringVar(&c.relay, "relay", "", "relay URL to register with (empty uses the default relay)")
		flags.BoolVar(&c.addrs, "addrs-only", false, "mint a ticket carrying only direct addresses, no relay hint")
		return c
	})
}

func (c *sendCmd) Describe() string { return "share a file or directory" }

func (c *sendCmd) Usage() {
	fmt.Fprintln(cmdmain.Stderr, "Usage: sendctl send [opts] <path>")
}

func (c *sendCmd) Examples() []string {
	return []string{"./report.pdf", "-relay=wss://relay.example.org ./photos/"}
}

func (c *sendCmd) RunCommand(args []string) error {
	if len(args) != 1 {
		return cmdmain.UsageError("send takes exactly one path")
	}
	path := args[0]

	relayMode := endpoint.RelayDefault
	if c.relay != "" {
		relayMode = endpoint.RelayCustom
	}
	ticketType := ticket.RelayAndAddresses
	if c.addrs {
		ticketType = ticket.Addresses
		relayMode = endpoint.RelayDisabled
	}

	log := newLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := dropwire.StartShare(ctx, path, dropwire.ShareOptions{
		RelayMode:  relayMode,
		RelayURL:   c.relay,
		TicketType: ticketType,
	}, newPrintObserver(), log)
	if err != nil {
		return err
	}
	defer s.Stop()

	fmt.Fprintf(cmdmain.Stdout, "Ticket: %s\n", s.Ticket)
	fmt.Fprintf(cmdmain.Stdout, "Root hash: %s\n", s.RootHash)
	fmt.Fprintf(cmdmain.Stdout, "Size: %d bytes (%s)\n", s.Size, s.EntryType)
	fmt.Fprintln(cmdmain.Stdout, "Waiting for a receiver. Press Ctrl-C to stop sharing.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	fmt.Fprintln(cmdmain.Stdout, "Stopping.")
	return nil
}

func newLogger() *zap.Logger {
	if !*cmdmain.FlagVerbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
