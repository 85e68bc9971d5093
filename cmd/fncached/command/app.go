/*
   Copyright The fncache Authors.

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

// Package command wires fncached's CLI surface: `run` starts the
// coordinator and its ttrpc front, `config default`/`config dump`
// mirror the teacher's config introspection commands.
package command

import (
	"fmt"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"
)

func init() {
	cli.VersionPrinter = func(cliContext *cli.Context) {
		fmt.Println(cliContext.App.Name, cliContext.App.Version)
	}
}

// App returns the fncached CLI.
func App() *cli.App {
	app := cli.NewApp()
	app.Name = "fncached"
	app.Usage = "function-memoization cache server"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug output in logs",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the TOML config file",
			Value:   "/etc/fncached/config.toml",
			EnvVars: []string{"FNCACHED_CONFIG"},
		},
	}
	app.Commands = []*cli.Command{
		runCommand,
		configCommand,
	}
	app.Before = func(cliContext *cli.Context) error {
		if cliContext.Bool("debug") {
			return log.SetLevel("debug")
		}
		return nil
	}
	return app
}
