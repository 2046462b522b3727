package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/practable/pricewatch/internal/pricewatch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch KEY [KEY...]",
	Short: "print price updates for some keys",
	Long: `Connect to a pricewatch server, subscribe to the keys given as
arguments, and print one line per update. The connection is remade, and
the subscriptions sent again, whenever it drops. For example:

export PRICEWATCH_WATCH_URL=ws://localhost:3000/ws
export PRICEWATCH_WATCH_TOKEN=$(pricewatch token)
export PRICEWATCH_WATCH_LOG_LEVEL=warn
pricewatch watch btcusd ethusd
`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("PRICEWATCH_WATCH")
		viper.AutomaticEnv()

		viper.SetDefault("url", "ws://localhost:3000/ws")
		viper.SetDefault("token", "")
		viper.SetDefault("log_level", "warn")

		if err := configureLogging("PRICEWATCH_WATCH", viper.GetString("log_level"), "text", "stdout"); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		if err := pricewatch.Watch(ctx, viper.GetString("url"), viper.GetString("token"), args, os.Stdout); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
