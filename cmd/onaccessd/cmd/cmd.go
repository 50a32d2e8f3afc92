/*
Copyright © 2020 GUILLAUME FOURNIER

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Gui774ume/onaccess/pkg/utils"
	"github.com/Gui774ume/onaccess/version"
)

// CLIOptions - command line options, they override the configuration file
type CLIOptions struct {
	ConfigPath     string
	PolicyPath     string
	Format         string
	OutputFilePath string
	Verbose        bool
	Version        bool
	Systemd        bool
}

// OnAccessCmd represents the base command when called without any subcommands
var OnAccessCmd = &cobra.Command{
	Use:   "onaccessd",
	Short: "An on-access anti-malware scanning daemon based on fanotify",
	Long: `onaccessd scans files when they are opened or written to

onaccessd marks the mount points selected by the on-access policy with
fanotify, and hands every file event to an external scanning engine listening
on a unix socket. Infected files are reported, clean files are cached until
their next modification.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if options.Version {
			return printVersion()
		}
		if err := runOnAccessCmd(cmd, args); err != nil {
			utils.DebugReport(os.Stderr, err)
			return err
		}
		return nil
	},
	SilenceUsage: true,
	Example:      "sudo onaccessd --config /etc/onaccess/onaccess.yaml",
}

// options - CLI options
var options CLIOptions

func init() {
	OnAccessCmd.Flags().StringVarP(
		&options.ConfigPath,
		"config",
		"c",
		"",
		`Daemon configuration file (YAML). Every setting can also be
provided with an ONACCESS_ prefixed environment variable`)
	OnAccessCmd.Flags().StringVarP(
		&options.PolicyPath,
		"policy",
		"p",
		"",
		`On-access policy document, overrides the policy_file setting.
The file is watched and reloaded when it changes`)
	OnAccessCmd.Flags().StringVarP(
		&options.Format,
		"format",
		"f",
		"",
		`Defines the telemetry report format.
Options are: table, json, none`)
	OnAccessCmd.Flags().StringVarP(
		&options.OutputFilePath,
		"output",
		"o",
		"",
		`Appends telemetry reports to the provided file rather than
stdout`)
	OnAccessCmd.Flags().BoolVarP(
		&options.Verbose,
		"verbose",
		"v",
		false,
		`Increase logging verbosity`)
	OnAccessCmd.Flags().BoolVarP(
		&options.Version,
		"version",
		"",
		false,
		`Output version information and exit`)
	OnAccessCmd.Flags().BoolVarP(
		&options.Systemd,
		"systemd",
		"",
		false,
		`Set up logging from a systemd unit`)
}

func printVersion() error {
	v := version.Get()
	bytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(bytes))
	return nil
}
