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
	"os/signal"
	"strings"
	"syscall"

	"github.com/client9/reopen"
	log "github.com/sirupsen/logrus"
)

// configureLogging sets the level, format and destination of the logs.
// A log file is reopened on SIGHUP so that it can be rotated.
func configureLogging(prefix, logLevel, logFormat, logFile string) error {

	switch strings.ToLower(logLevel) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "fatal":
		log.SetLevel(log.FatalLevel)
	case "panic":
		log.SetLevel(log.PanicLevel)
	default:
		return fmt.Errorf("%s_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not %s", prefix, logLevel)
	}

	switch strings.ToLower(logFormat) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	default:
		return fmt.Errorf("%s_LOG_FORMAT can be json or text but not %s", prefix, logFormat)
	}

	if logFile == "" || strings.ToLower(logFile) == "stdout" {
		log.SetOutput(os.Stdout)
		return nil
	}

	f, err := reopen.NewFileWriter(logFile)
	if err != nil {
		log.Infof("Failed to log to %s, logging to default stderr", logFile)
		return nil
	}

	log.SetOutput(f)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		for range hup {
			if err := f.Reopen(); err != nil {
				fmt.Fprintf(os.Stderr, "reopening log file %s: %v\n", logFile, err)
			}
		}
	}()

	return nil
}
