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

package command

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"fncache/internal/config"
)

func outputConfig(cfg *config.Config) error {
	return toml.NewEncoder(os.Stdout).SetIndentTables(true).Encode(cfg)
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Information on the fncached config",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "See the output of the default config",
			Action: func(cliContext *cli.Context) error {
				return outputConfig(config.Default())
			},
		},
		{
			Name:   "dump",
			Usage:  "See the output of the final config with the config file's values layered over the defaults",
			Action: dumpConfig,
		},
	},
}

func dumpConfig(cliContext *cli.Context) error {
	cfg := config.Default()
	if err := config.Load(cliContext.String("config"), cfg); err != nil && !os.IsNotExist(err) {
		return err
	}
	return outputConfig(cfg)
}
