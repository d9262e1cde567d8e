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
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/leonie/brokerflow/internal/bootstrap"
	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/storage"
)

var (
	brokerEmail    string
	brokerSurname  string
	brokerGiven    string
	brokerRoot     string
	brokerSkipRoot bool
)

var brokersCmd = &cobra.Command{
	Use:   "brokers",
	Short: "Register and list brokers",
}

var brokersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a broker, or update the one with the same email",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		email := strings.ToLower(strings.TrimSpace(brokerEmail))
		if email == "" || brokerRoot == "" {
			return errors.New("--email and --root are required")
		}

		if !brokerSkipRoot {
			backend, err := bootstrap.OpenStorage(ctx, cfg)
			if err != nil {
				return err
			}
			tree := storage.NewTree(backend, cfg.Storage.Timeout)
			if err := tree.VerifyRoot(ctx, brokerRoot); err != nil {
				return fmt.Errorf("root folder %s: %w", brokerRoot, err)
			}
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		b := models.Broker{
			ID:            uuid.NewString(),
			Email:         email,
			Surname:       strings.TrimSpace(brokerSurname),
			GivenName:     strings.TrimSpace(brokerGiven),
			RootFolderRef: brokerRoot,
			Active:        true,
		}
		existing, err := st.FindBrokerByEmail(ctx, email)
		if err != nil {
			return err
		}
		if existing != nil {
			b.ID = existing.ID
		}
		if err := st.UpsertBroker(ctx, b); err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), b)
		}
		verb := "registered"
		if existing != nil {
			verb = "updated"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s broker %s %s (%s)\n", Success.Render("✓"), b.DisplayName(), verb, b.ID)
		return nil
	},
}

var brokersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered brokers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		brokers, err := st.ListBrokers(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, brokers)
		}
		header(out, fmt.Sprintf("Brokers (%d)", len(brokers)))
		for _, b := range brokers {
			state := Success.Render("active")
			if !b.Active {
				state = Dim.Render("inactive")
			}
			fmt.Fprintf(out, "  %-36s %-28s %-24s %s\n", b.ID, b.Email, truncate(b.DisplayName(), 24), state)
		}
		return nil
	},
}

func init() {
	f := brokersAddCmd.Flags()
	f.StringVar(&brokerEmail, "email", "", "broker sender address")
	f.StringVar(&brokerSurname, "surname", "", "broker surname")
	f.StringVar(&brokerGiven, "given", "", "broker given name")
	f.StringVar(&brokerRoot, "root", "", "storage root folder reference")
	f.BoolVar(&brokerSkipRoot, "skip-root-check", false, "register without verifying the root folder")
	brokersCmd.AddCommand(brokersAddCmd, brokersListCmd)
}
