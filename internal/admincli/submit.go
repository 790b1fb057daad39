// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package admincli implements the criteria-admin subcommands.
package admincli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"golang.org/x/sync/errgroup"
)

// Submit is a CLI command that asks a running server to score a submission.
var Submit = &subcommands.Command{
	UsageLine: `submit -submission ID`,
	ShortDesc: "request scoring of a submission",
	LongDesc:  "Post a scoring request for a submission to a running server.",
	CommandRun: func() subcommands.CommandRun {
		r := &submitRun{}
		r.Flags.StringVar(&r.submission, "submission", "", "The submission id to score")
		r.Flags.StringVar(&r.server, "server", "http://localhost:5151/", "The server to post to")
		r.Flags.StringVar(&r.apiKey, "key", os.Getenv("API_KEY"), "The scoring API key, defaults to $API_KEY")
		r.Flags.IntVar(&r.count, "n", 1, "How many copies of the request to post")
		return r
	},
}

type submitRun struct {
	subcommands.CommandRunBase
	submission string
	server     string
	apiKey     string
	count      int
}

// Run posts scoring requests and returns an exit status.
func (c *submitRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	if err := c.innerRun(ctx, a, args, env); err != nil {
		fmt.Fprintf(a.GetErr(), "%s: %s\n", a.GetName(), err)
		return 1
	}
	return 0
}

func (c *submitRun) innerRun(ctx context.Context, a subcommands.Application, args []string, env subcommands.Env) error {
	if len(args) != 0 {
		return fmt.Errorf("positional arguments are not accepted")
	}
	if c.submission == "" {
		return fmt.Errorf("-submission is required")
	}
	if c.count < 1 {
		return fmt.Errorf("-n must be positive")
	}
	body, err := json.Marshal(map[string]string{
		"submission_id": c.submission,
		"api_key":       c.apiKey,
	})
	if err != nil {
		return errors.Annotate(err, "encode scoring request").Err()
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.count; i++ {
		g.Go(func() error { return post(ctx, c.server, body) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(a.GetOut(), "posted %d scoring request(s) for %s\n", c.count, c.submission)
	return nil
}

// post sends one scoring request. The server acknowledges bad requests
// with 200, so any other status is an operational problem worth surfacing.
func post(ctx context.Context, server string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(body))
	if err != nil {
		return errors.Annotate(err, "build scoring request").Err()
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Annotate(err, "post scoring request").Err()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Reason("server answered %s", resp.Status).Err()
	}
	return nil
}
