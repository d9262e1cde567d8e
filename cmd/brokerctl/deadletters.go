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

	"github.com/spf13/cobra"

	"github.com/leonie/brokerflow/internal/queue"
)

var deadLetterLimit int64

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect and requeue dead-lettered jobs",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rdb, err := openRedis(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close()

		dlq := queue.NewDeadLetterQueue(rdb, cfg.JobStream)
		items, err := dlq.List(ctx, deadLetterLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, items)
		}
		header(out, fmt.Sprintf("Dead letters (%d)", len(items)))
		if len(items) == 0 {
			fmt.Fprintln(out, Dim.Render("  none"))
			return nil
		}
		for _, dl := range items {
			fmt.Fprintf(out, "  %-18s %-20s %s %s\n",
				dl.ID,
				truncate(dl.MessageID, 20),
				Warn.Render(truncate(dl.Reason, 60)),
				Dim.Render(fmt.Sprintf("(%d deliveries, %s)", dl.Deliveries, ago(dl.FailedAt))),
			)
		}
		return nil
	},
}

var deadLettersRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Put a dead-lettered job back on the job stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rdb, err := openRedis(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close()

		newID, err := queue.NewDeadLetterQueue(rdb, cfg.JobStream).Requeue(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]string{"id": args[0], "requeued_as": newID})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s requeued as %s\n", Success.Render("✓"), args[0], newID)
		return nil
	},
}

func init() {
	deadLettersListCmd.Flags().Int64Var(&deadLetterLimit, "limit", 20, "maximum entries to show")
	deadLettersCmd.AddCommand(deadLettersListCmd, deadLettersRequeueCmd)
}
