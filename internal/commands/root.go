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

// Package commands implements the codemachine CLI.
package commands

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/codemachine-ai/codemachine/internal/log"
)

// CwdEnv overrides the working directory.
const CwdEnv = "CODEMACHINE_CWD"

// stateDirName is the per-project state root under the working directory.
const stateDirName = ".codemachine"

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	var cwdFlag string

	root := &cobra.Command{
		Use:           "codemachine",
		Short:         "Orchestrate multi-step AI-agent workflows",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Init(log.FromEnv())
		},
	}
	root.PersistentFlags().StringVar(&cwdFlag, "cwd", "", "working directory (overrides "+CwdEnv+")")
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(newRunCommand(&cwdFlag))
	root.AddCommand(newAuthCommand())
	root.AddCommand(newMCPCommand(&cwdFlag))
	return root
}

// resolveCwd applies the flag, the env override, then the process cwd.
func resolveCwd(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(CwdEnv); env != "" {
		return filepath.Abs(env)
	}
	return os.Getwd()
}

func stateRoot(cwd string) string {
	return filepath.Join(cwd, stateDirName)
}
