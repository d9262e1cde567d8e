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
)

var (
	activityBroker string
	activityLimit  int
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show the most recent activity log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.ListActivity(ctx, activityBroker, activityLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, entries)
		}
		header(out, fmt.Sprintf("Activity (%d)", len(entries)))
		for _, e := range entries {
			fmt.Fprintf(out, "  %-12s %-26s %-20s %s\n",
				Dim.Render(ago(e.CreatedAt)),
				e.Kind,
				truncate(e.MessageID, 20),
				Dim.Render(truncate(e.ClientID, 36)),
			)
		}
		return nil
	},
}

func init() {
	activityCmd.Flags().StringVar(&activityBroker, "broker", "", "only entries for this broker id")
	activityCmd.Flags().IntVar(&activityLimit, "limit", 50, "maximum entries to show")
}
