/*
   pricewatch commands (derived from the practable/relay commands)
   Copyright (C) 2020 Timothy Drysdale <timothy.d.drysdale@gmail.com>
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
	"strings"
	"time"

	"github.com/practable/pricewatch/internal/permission"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "pricewatch token generates a new token for connecting to pricewatch",
	Long: `Set the operating paramters with environment variables, for example

export PRICEWATCH_TOKEN_LIFETIME=3600
export PRICEWATCH_TOKEN_SCOPES=read
export PRICEWATCH_TOKEN_SECRET=somesecret
export PRICEWATCH_TOKEN_SUBJECT=alice
export PRICEWATCH_TOKEN_AUDIENCE=wss://example.io/pricewatch
bearer=$(pricewatch token)
`,

	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("PRICEWATCH_TOKEN")
		viper.AutomaticEnv()

		viper.SetDefault("scopes", permission.ScopeRead)
		viper.SetDefault("subject", "pricewatch")

		lifetime := viper.GetInt64("lifetime")
		audience := viper.GetString("audience")
		secret := viper.GetString("secret")
		subject := viper.GetString("subject")
		scopes := strings.Split(viper.GetString("scopes"), ",")

		// check inputs

		if lifetime == 0 {
			fmt.Println("PRICEWATCH_TOKEN_LIFETIME not set")
			os.Exit(1)
		}
		if secret == "" {
			fmt.Println("PRICEWATCH_TOKEN_SECRET not set")
			os.Exit(1)
		}
		if audience == "" {
			fmt.Println("PRICEWATCH_TOKEN_AUDIENCE not set")
			os.Exit(1)
		}

		iat := time.Now().Unix() - 1 //ensure immediately usable
		nbf := iat
		exp := iat + lifetime

		bearer, err := permission.Sign(permission.NewToken(audience, subject, scopes, iat, nbf, exp), secret)

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		fmt.Println(bearer)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
