/*
Relayd - programmable Mail Transfer Agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Relayd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/foxcpp/relayd"
	"github.com/foxcpp/relayd/framework/config"
	"github.com/foxcpp/relayd/framework/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "relayd",
		Usage:   "programmable mail transfer agent",
		Version: relayd.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the configuration snapshot",
				EnvVars: []string{"RELAYD_CONFIG"},
				Value:   "/etc/relayd/relayd.json",
			},
			&cli.StringFlag{
				Name:  "state",
				Usage: "path to the state directory",
				Value: config.StateDirectory,
			},
			&cli.StringFlag{
				Name:  "runtime",
				Usage: "path to the runtime directory",
				Value: config.RuntimeDirectory,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(ctx *cli.Context) error {
	log.DefaultLogger.Debug = ctx.Bool("debug")
	config.StateDirectory = ctx.String("state")
	config.RuntimeDirectory = ctx.String("runtime")

	// The full JSON5 configuration loader is a separate component; the
	// binary itself consumes the already-rendered snapshot.
	f, err := os.Open(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("cannot open the configuration: %w", err)
	}
	defer f.Close()

	cfg := &config.Snapshot{}
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("cannot parse the configuration: %w", err)
	}

	srv, err := relayd.Start(cfg)
	if err != nil {
		return err
	}

	srv.Wait()
	return srv.Close()
}
