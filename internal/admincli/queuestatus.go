// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package admincli

import (
	"context"
	"fmt"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"

	"github.com/wsteitz/submission-criteria/internal/dqueue"
)

// QueueStatus is a CLI command that prints the depth of the durable queues.
var QueueStatus = &subcommands.Command{
	UsageLine: `queue-status -dir DIR`,
	ShortDesc: "print queue depths",
	LongDesc: `Open the durable queues under a directory and print how many entries
each holds. Meant for offline inspection: the queues take no
cross-process lock, so stop the server before pointing this at its
queue directory.`,
	CommandRun: func() subcommands.CommandRun {
		r := &queueStatusRun{}
		r.Flags.StringVar(&r.dir, "dir", "queues", "The queue directory of the server")
		return r
	},
}

type queueStatusRun struct {
	subcommands.CommandRunBase
	dir string
}

// Run prints queue depths and returns an exit status.
func (c *queueStatusRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	if err := c.innerRun(ctx, a, args, env); err != nil {
		fmt.Fprintf(a.GetErr(), "%s: %s\n", a.GetName(), err)
		return 1
	}
	return 0
}

func (c *queueStatusRun) innerRun(ctx context.Context, a subcommands.Application, args []string, env subcommands.Env) error {
	if len(args) != 0 {
		return fmt.Errorf("positional arguments are not accepted")
	}
	queues, err := dqueue.OpenTriad(ctx, c.dir)
	if err != nil {
		return err
	}
	defer queues.Close()
	fmt.Fprintf(a.GetOut(), "ingress     %d\n", queues.Ingress.Len())
	fmt.Fprintf(a.GetOut(), "originality %d\n", queues.Originality.Len())
	fmt.Fprintf(a.GetOut(), "concordance %d\n", queues.Concordance.Len())
	return nil
}
