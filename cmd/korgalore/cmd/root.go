// Copyright 2024 Package Tracking System
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

package cmd

import (
	"context"
	"path/filepath"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"korgalore/internal/version"
)

const (
	// Version information
	Version   = version.Version
	BuildDate = "development"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "korgalore",
	Short: "Deliver public-inbox mailing-list messages into mail targets",
	Long: `korgalore pulls new commits from one or more public-inbox feeds
(an HTTP-published git archive, or a lei search) and delivers each new
message to a configured target: Gmail, IMAP, JMAP, Maildir, or a pipe
command.

CONFIGURATION:
    By default korgalore reads $XDG_CONFIG_HOME/korgalore/config.toml
    (or --config), merging any conf.d/*.toml fragments found alongside
    it. State (epoch clones, delivery cursors, failure ledgers) lives
    under $XDG_DATA_HOME/korgalore, one subdirectory per feed.

EXAMPLES:
    korgalore pull
    korgalore pull --force --delivery lkml-imap
    korgalore auth gmail-archive`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called by main.main().
func Execute() {
	fang.Execute(context.Background(), rootCmd)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/korgalore/config.toml)")
}

// resolveConfigPath returns the --config flag value, or the XDG default.
func resolveConfigPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := xdgConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}
