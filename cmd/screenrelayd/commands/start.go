// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/screenrelay/pkg/metrics"
	"github.com/n0ot/screenrelay/pkg/relay"
	"github.com/n0ot/screenrelay/pkg/server"
)

var disableTLS bool

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the screen relay server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", defaultBind, "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().DurationP("ping-interval", "t", defaultPingInterval, "How often websocket pings should be sent (0 disables)")
	viper.BindPFlag("server.pingInterval", startCmd.Flags().Lookup("ping-interval"))
	startCmd.Flags().Duration("drain-interval", relay.DefaultDrainInterval, "Delay between delivering queued commands to a newly connected device")
	viper.BindPFlag("relay.drainInterval", startCmd.Flags().Lookup("drain-interval"))
	startCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	viper.BindPFlag("log.level", startCmd.Flags().Lookup("log-level"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")

	setDefaults(viper.GetViper())
}

func runServer(cmd *cobra.Command, args []string) error {
	if disableTLS {
		viper.Set("tls.useTls", false)
	}
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	log := cfg.newLogger()
	gin.SetMode(gin.ReleaseMode)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dispatcher := relay.New(relay.Config{
		DrainInterval: cfg.DrainInterval,
		DeviceTag:     cfg.DeviceTag,
		Metrics:       metrics.New(reg),
		Log:           log,
	})

	srv := &server.Server{
		Relay:          dispatcher,
		PingInterval:   cfg.PingInterval,
		StatsPassword:  cfg.StatsPassword,
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       reg,
		Log:            log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(relayDone)
	}()
	defer func() { <-relayDone }()

	log.Info("Starting screenrelayd")
	if cfg.UseTLS {
		err = srv.ListenAndServeTLS(ctx, cfg.Bind, cfg.CertFile, cfg.KeyFile)
	} else {
		err = srv.ListenAndServe(ctx, cfg.Bind)
	}
	// Stop the relay if the server failed on its own.
	stop()
	return err
}
