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
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/practable/pricewatch/internal/pricewatch"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve prices to websocket clients",
	Long: `Serve prices to websocket clients at /ws. Set parameters with environment
variables, for example:

export PRICEWATCH_ACQUIRE_TIMEOUT=10s
export PRICEWATCH_AUDIENCE=wss://example.io/pricewatch
export PRICEWATCH_FAILURE_THRESHOLD=3
export PRICEWATCH_FIELD=price
export PRICEWATCH_INTERVAL=1s
export PRICEWATCH_LOG_FILE=/var/log/pricewatch/pricewatch.log
export PRICEWATCH_LOG_FORMAT=json
export PRICEWATCH_LOG_LEVEL=warn
export PRICEWATCH_MAX_CONNECTIONS=10000
export PRICEWATCH_PORT=3000
export PRICEWATCH_PROFILE=true
export PRICEWATCH_PROFILE_PORT=6061
export PRICEWATCH_SECRET=somesecret
export PRICEWATCH_SEND_BUFFER=256
export PRICEWATCH_SHUTDOWN_TIMEOUT=5s
export PRICEWATCH_SOURCE=stream
export PRICEWATCH_URL=ws://localhost:8090/stream/{key}
pricewatch serve

Notes:
PRICEWATCH_SOURCE is mock (built-in random walk), poll (GET PRICEWATCH_URL
every PRICEWATCH_INTERVAL) or stream (websocket at PRICEWATCH_URL).
{key} in PRICEWATCH_URL is replaced by the subscribed key.
Leave PRICEWATCH_SECRET unset to accept clients without a token.
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("PRICEWATCH")
		viper.AutomaticEnv()

		viper.SetDefault("acquire_timeout", "10s")
		viper.SetDefault("audience", "")
		viper.SetDefault("failure_threshold", 3)
		viper.SetDefault("field", "price")
		viper.SetDefault("interval", "1s")
		viper.SetDefault("log_file", "stdout")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("max_connections", 0)
		viper.SetDefault("port", 3000)
		viper.SetDefault("profile", false)
		viper.SetDefault("profile_port", 6061)
		viper.SetDefault("secret", "")
		viper.SetDefault("seed", 1)
		viper.SetDefault("send_buffer", 256)
		viper.SetDefault("shutdown_timeout", "5s")
		viper.SetDefault("source", "mock")
		viper.SetDefault("unknown", "BADTICKER")
		viper.SetDefault("url", "")

		audience := viper.GetString("audience")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		profile := viper.GetBool("profile")
		profilePort := viper.GetInt("profile_port")
		secret := viper.GetString("secret")

		// Sanity checks
		if secret != "" && audience == "" {
			fmt.Println("You must set PRICEWATCH_AUDIENCE when PRICEWATCH_SECRET is set")
			os.Exit(1)
		}

		if err := configureLogging("PRICEWATCH", logLevel, logFormat, logFile); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		config := pricewatch.Config{
			Port:             viper.GetInt("port"),
			Audience:         audience,
			Secret:           secret,
			Source:           viper.GetString("source"),
			URL:              viper.GetString("url"),
			Field:            viper.GetString("field"),
			Interval:         viper.GetDuration("interval"),
			Seed:             viper.GetInt64("seed"),
			Unknown:          strings.Split(viper.GetString("unknown"), ","),
			SendBuffer:       viper.GetInt("send_buffer"),
			MaxConnections:   viper.GetInt("max_connections"),
			AcquireTimeout:   viper.GetDuration("acquire_timeout"),
			FailureThreshold: viper.GetInt("failure_threshold"),
			ShutdownTimeout:  viper.GetDuration("shutdown_timeout"),
		}

		// Report useful info
		log.Infof("pricewatch version: %s", versionString())
		log.Infof("Acquire timeout: [%s]", config.AcquireTimeout)
		log.Infof("Audience: [%s]", config.Audience)
		log.Infof("Failure threshold: [%d]", config.FailureThreshold)
		log.Infof("Log file: [%s]", logFile)
		log.Infof("Log format: [%s]", logFormat)
		log.Infof("Log level: [%s]", logLevel)
		log.Infof("Max connections: [%d]", config.MaxConnections)
		log.Infof("Port: [%d]", config.Port)
		log.Infof("Profiling is on: [%t]", profile)
		log.Infof("Source: [%s]", config.Source)
		log.Infof("URL: [%s]", config.URL)

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(profilePort)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.Error(err)
				}
			}()
		}

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			<-c
			close(closed)
		}()

		wg.Add(1)

		err := pricewatch.Run(closed, &wg, config)

		wg.Wait()

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
