// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
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
	"fmt"
	"os"
	"strings"

	logging "github.com/ipfs/go-log"
	"github.com/spf13/cobra"

	"github.com/quorumcontrol/tupelo-accounts/nodebuilder"
)

var (
	cfgFile    string
	logLvlName string
)

var logLevels = []string{"critical", "error", "warning", "notice", "info", "debug"}

func setLogLevel(lvlName string) error {
	for _, l := range logLevels {
		if l == lvlName {
			return logging.SetLogLevel("*", strings.ToUpper(lvlName))
		}
	}
	return fmt.Errorf("invalid log level %v, must be one of %s", lvlName, strings.Join(logLevels, ", "))
}

// loadConfig reads the --config file; commands that need a node config
// call it.
func loadConfig() (*nodebuilder.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("a config file is required (--config)")
	}
	return nodebuilder.TomlToConfig(cfgFile)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tupelo-accounts",
	Short: "Account aware ownership ledger",
	Long:  `tupelo-accounts runs nodes that host accounts and move ownership records between them`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setLogLevel(logLvlName)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLvlName, "log-level", "L", "error", "Log level")
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a node config toml file")
}
