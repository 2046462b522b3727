package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/practable/pricewatch/internal/feed"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "simulated upstream prices for development",
	Long: `Serve random-walk prices for any key, as JSON at /price/{key} and as a
websocket stream at /stream/{key}. Keys listed in FEED_UNKNOWN get a 404.
Set parameters with environment variables, for example:

export FEED_PORT=8090
export FEED_INTERVAL_MS=1000
export FEED_SEED=1
export FEED_UNKNOWN=BADTICKER
export FEED_FIELD=price
export FEED_LOG_LEVEL=info
pricewatch feed

then, in another shell:

export PRICEWATCH_SOURCE=stream
export PRICEWATCH_URL=ws://localhost:8090/stream/{key}
pricewatch serve
`,
	Run: func(cmd *cobra.Command, args []string) {

		spec, err := feed.FromEnv()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		if err := configureLogging("FEED", spec.LogLevel, "text", "stdout"); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		log.Infof("feed version: %s", versionString())

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			<-c
			close(closed)
		}()

		wg.Add(1)

		go feed.Feed(closed, &wg, spec)

		wg.Wait()
	},
}

func init() {
	rootCmd.AddCommand(feedCmd)
}
