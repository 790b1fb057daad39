// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

// This is the operations command line client for the scoring service.

import (
	"context"
	"os"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/logging/gologger"

	"github.com/wsteitz/submission-criteria/internal/admincli"
)

// newApplication returns the application object for the criteria-admin client.
func newApplication() *cli.Application {
	return &cli.Application{
		Name:  "criteria-admin",
		Title: "The submission scoring operations client",
		Context: func(ctx context.Context) context.Context {
			return gologger.StdConfig.Use(ctx)
		},
		Commands: []*subcommands.Command{
			subcommands.CmdHelp,
			admincli.Submit,
			admincli.QueueStatus,
			admincli.SeedRound,
		},
	}
}

func main() {
	mathrand.SeedRandomly()
	os.Exit(subcommands.Run(newApplication(), nil))
}
