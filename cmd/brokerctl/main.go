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

// Command brokerctl is the operator CLI: historical replay, dead-letter
// inspection and broker registration.
//
// Usage:
//
//	brokerctl replay --since 168h [--query "from:agence@example.com"] [--dry-run]
//	brokerctl deadletters list [--limit 20]
//	brokerctl deadletters requeue <id>
//	brokerctl brokers add --email x@y.fr --surname Martin --given Claire --root <ref>
//	brokerctl brokers list
//	brokerctl activity [--broker <id>] [--limit 50]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/leonie/brokerflow/internal/bootstrap"
	"github.com/leonie/brokerflow/internal/config"
	"github.com/leonie/brokerflow/internal/store"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	jsonOutput bool
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "brokerctl",
	Short:         "brokerctl - operate the brokerflow pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		bootstrap.SetupLogging(cfg.LogLevel)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "brokerctl version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
	rootCmd.AddCommand(versionCmd, replayCmd, deadLettersCmd, brokersCmd, activityCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ErrStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func openRedis(ctx context.Context) (*redis.Client, error) {
	return bootstrap.OpenRedis(ctx, cfg.RedisURL)
}

func openStore(ctx context.Context) (store.Store, error) {
	return bootstrap.OpenStore(ctx, cfg)
}
