// Copyright 2025 Tom Barlow
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

package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/codemachine-ai/codemachine/internal/engine"
)

func newAuthCommand() *cobra.Command {
	var (
		force bool
		clear bool
		key   bool
	)

	cmd := &cobra.Command{
		Use:   "auth <engine>",
		Short: "Authenticate an engine CLI",
		Long: "Runs the engine's login flow, or stores an API key in the OS keychain.\n" +
			"Engines: " + strings.Join(engine.NewRegistry().IDs(), ", "),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := engine.NewRegistry()
			adapter, err := registry.Get(args[0])
			if err != nil {
				return err
			}

			switch {
			case clear:
				if err := adapter.Auth().ClearAuth(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("%s credentials cleared\n", args[0])
				return nil

			case key:
				var value string
				form := huh.NewForm(huh.NewGroup(
					huh.NewInput().
						Title(fmt.Sprintf("API key for %s", adapter.Metadata().Name)).
						EchoMode(huh.EchoModePassword).
						Value(&value),
				))
				if err := form.Run(); err != nil {
					return err
				}
				if strings.TrimSpace(value) == "" {
					return fmt.Errorf("no key entered")
				}
				if err := engine.StoreAPIKey(args[0], strings.TrimSpace(value)); err != nil {
					return err
				}
				fmt.Printf("%s key stored\n", args[0])
				return nil

			default:
				if err := adapter.Auth().EnsureAuth(cmd.Context(), force); err != nil {
					return err
				}
				fmt.Printf("%s authenticated\n", args[0])
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-run the login flow even if already authenticated")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove stored credentials")
	cmd.Flags().BoolVar(&key, "key", false, "store an API key in the OS keychain")
	return cmd
}
