// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server connects websocket clients to a relay.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/screenrelay/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

// Server Contains state for a screenrelay server.
type Server struct {
	// Relay routes events between connected clients. It must be running.
	Relay *relay.Dispatcher

	// PingInterval specifies how often clients will be sent a websocket ping.
	// Clients that don't answer within two intervals are dropped.
	// If 0, no pings will be sent.
	PingInterval time.Duration

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// StatsPassword sets the password for retrieving stats.
	// If empty, stats are disabled.
	StatsPassword string

	// AllowedOrigins lists the browser origins allowed to connect.
	// If empty, every origin is allowed.
	AllowedOrigins []string

	// Gatherer optionally provides metrics to expose on /metrics.
	Gatherer prometheus.Gatherer

	Log *logrus.Logger
}

// ListenAndServe listens for connections on the network, and connects them to the relay.
// It returns once ctx is done and the server has shut down.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return srv.Serve(ctx, listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(ctx context.Context, addr, certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return srv.Serve(ctx, listener)
}

// Serve serves the relay on listener until ctx is done.
func (srv *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv.Log.WithFields(logrus.Fields{
		"ping_interval":   srv.PingInterval,
		"allowed_origins": srv.AllowedOrigins,
		"stats_enabled":   srv.StatsPassword != "",
	}).Info("Server started")

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCH := make(chan error, 1)
	go func() {
		errCH <- httpSrv.Serve(listener)
	}()

	select {
	case err := <-errCH:
		return errors.Wrap(err, "Serve")
	case <-ctx.Done():
	}

	srv.Log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "Shutdown")
	}
	return nil
}
