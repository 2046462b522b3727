/*
   pricewatch commands (derived from the practable/relay commands)
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>
   Copyright (C) 2026 The pricewatch authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pricewatch",
	Short: "shared price watchers for websocket clients",
	Long: `pricewatch serves prices to websocket clients. Clients subscribe to
keys (ticker symbols); each key is watched once upstream however many
clients subscribe to it, and the upstream is released when the last
client leaves.

pricewatch serve   run the service
pricewatch feed    run a simulated upstream for development
pricewatch watch   print updates for some keys
pricewatch token   make an access token`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
