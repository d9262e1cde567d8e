// Copyright (c) 2026 John Earle
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

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonie/brokerflow/internal/backfill"
	"github.com/leonie/brokerflow/internal/bootstrap"
	"github.com/leonie/brokerflow/internal/dedup"
	"github.com/leonie/brokerflow/internal/queue"
)

var (
	replaySince  time.Duration
	replayQuery  string
	replayMax    int64
	replayDryRun bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-enqueue historical mail the pipeline has not seen",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rdb, err := openRedis(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close()

		// The adapter skips ids already in the ledger before downloading
		// them; the runner re-checks atomically before enqueueing.
		filter := dedup.NewFilter(rdb)
		gm, err := bootstrap.OpenGmail(ctx, cfg.Mail, filter)
		if err != nil {
			return err
		}

		runner := backfill.NewRunner(backfill.RunnerConfig{
			Source: gm,
			Queue:  queue.NewPublisher(rdb, cfg.JobStream),
			Ledger: filter,
		})
		res, err := runner.Run(ctx, backfill.Request{
			Since:  replaySince,
			Query:  replayQuery,
			Max:    replayMax,
			DryRun: replayDryRun,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, res)
		}
		header(out, "Replay "+res.Query)
		fmt.Fprintf(out, "  fetched   %d\n", res.Fetched)
		if replayDryRun {
			for _, id := range res.IDs {
				fmt.Fprintf(out, "  %s\n", Dim.Render(id))
			}
			return nil
		}
		fmt.Fprintf(out, "  enqueued  %s\n", Success.Render(fmt.Sprint(res.Enqueued)))
		fmt.Fprintf(out, "  skipped   %d\n", res.Skipped)
		if res.Errors > 0 {
			fmt.Fprintf(out, "  errors    %s\n", ErrStyle.Render(fmt.Sprint(res.Errors)))
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().DurationVar(&replaySince, "since", 7*24*time.Hour, "lookback window (e.g. 168h)")
	replayCmd.Flags().StringVar(&replayQuery, "query", "", "extra Gmail search terms")
	replayCmd.Flags().Int64Var(&replayMax, "max", 500, "maximum messages to fetch")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "list matching messages without enqueueing")
}
