// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// ephemeral-cloner is a standalone demo/reference binary for the remote
// account cloning engine. It wires the in-memory reference transports
// (clonetransport/stub*) to accountcloner.Engine, hydrates from an empty
// bank, and serves the dev websocket fan-out (/dev/fanout) and Prometheus
// metrics (/metrics) over its HTTP listener; it has no endpoint for
// issuing clone requests. It exists to exercise the
// engine manually; production deployments supply real Fetcher/Updates/
// Dumper implementations instead of the stubs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/luxfi/geth/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/ephemeral-cloner/accountcloner"
	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
	"github.com/luxfi/ephemeral-cloner/clonetransport/stubdumper"
	"github.com/luxfi/ephemeral-cloner/clonetransport/stubfetcher"
	"github.com/luxfi/ephemeral-cloner/clonetransport/stubupdates"
	"github.com/luxfi/ephemeral-cloner/hydration"
	"github.com/luxfi/ephemeral-cloner/log"
	metricsprom "github.com/luxfi/ephemeral-cloner/metrics/prometheus"
	"github.com/luxfi/ephemeral-cloner/metricsx"
)

const clientIdentifier = "ephemeral-cloner"

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to a config file (yaml/json/toml) merged under the below flags",
	}
	maxMonitoredFlag = &cli.IntFlag{
		Name:  "max-monitored-accounts",
		Usage: "N_MON: bound on the Monitored-Account Cache size",
		Value: 10000,
	}
	allowDelegatedFlag   = &cli.BoolFlag{Name: "allow-delegated", Value: true}
	allowUndelegatedFlag = &cli.BoolFlag{Name: "allow-undelegated", Value: true}
	allowFeePayerFlag    = &cli.BoolFlag{Name: "allow-fee-payer", Value: true}
	allowProgramFlag     = &cli.BoolFlag{Name: "allow-program", Value: true}
	allowRefreshFlag     = &cli.BoolFlag{Name: "allow-refresh", Value: true}
	listenAddrFlag       = &cli.StringFlag{Name: "listen-addr", Value: "127.0.0.1:9650"}

	app = &cli.App{
		Name:    clientIdentifier,
		Usage:   "remote account cloning engine reference node",
		Version: "1.0.0",
	}
)

func init() {
	app.Flags = []cli.Flag{
		configFlag, maxMonitoredFlag,
		allowDelegatedFlag, allowUndelegatedFlag, allowFeePayerFlag, allowProgramFlag, allowRefreshFlag,
		listenAddrFlag,
	}
	app.Before = func(cctx *cli.Context) error {
		if path := cctx.String(configFlag.Name); path != "" {
			viper.SetConfigFile(path)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file %q: %w", path, err)
			}
			for _, name := range []string{
				maxMonitoredFlag.Name, allowDelegatedFlag.Name, allowUndelegatedFlag.Name,
				allowFeePayerFlag.Name, allowProgramFlag.Name, allowRefreshFlag.Name, listenAddrFlag.Name,
			} {
				if viper.IsSet(name) {
					if err := cctx.Set(name, viper.GetString(name)); err != nil {
						return fmt.Errorf("applying config value %q: %w", name, err)
					}
				}
			}
		}
		return nil
	}
	app.Action = runDemo
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDemo(cctx *cli.Context) error {
	logger := log.Root()

	cfg := accountcloner.Config{
		Permissions: clonestate.Permissions{
			AllowRefresh:     cctx.Bool(allowRefreshFlag.Name),
			AllowFeePayer:    cctx.Bool(allowFeePayerFlag.Name),
			AllowUndelegated: cctx.Bool(allowUndelegatedFlag.Name),
			AllowDelegated:   cctx.Bool(allowDelegatedFlag.Name),
			AllowProgram:     cctx.Bool(allowProgramFlag.Name),
		},
		MaxMonitoredAccounts: cctx.Int(maxMonitoredFlag.Name),
	}.WithDefaults()

	fetcher := stubfetcher.New()
	updates := stubupdates.New(logger, 0)
	bank := stubdumper.New()
	recorder := metricsx.New(metrics.DefaultRegistry)

	engine := accountcloner.New(cfg, logger, fetcher, updates, bank, bank, recorder)
	defer engine.Stop()

	hydrateCtx, cancel := context.WithTimeout(cctx.Context, 10*time.Second)
	defer cancel()
	// The demo's stub bank never seeds upgradable-loader program-data
	// accounts, so there is no real owner key to pass here; the zero key
	// explicitly disables hydration's program-data skip rather than
	// silently matching against an unset global.
	if err := hydration.Hydrate(hydrateCtx, engine, bank, nil, accountkey.Key{}, accountkey.Key{}, logger); err != nil {
		logger.Error("hydration reported errors", "err", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dev/fanout", updates.ServeDevFanOut)
	mux.Handle("/metrics", promhttp.HandlerFor(metricsprom.NewGatherer(metrics.DefaultRegistry), promhttp.HandlerOpts{}))

	addr := cctx.String(listenAddrFlag.Name)
	logger.Info("ephemeral-cloner demo node listening", "addr", addr)
	server := &http.Server{Addr: addr, Handler: mux}
	return server.ListenAndServe()
}
