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

// Package relayd ties the server components together: configuration
// snapshot, listeners, the relay queue and the background dequeuer.
package relayd

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/foxcpp/relayd/framework/config"
	"github.com/foxcpp/relayd/framework/dns"
	"github.com/foxcpp/relayd/framework/log"
	"github.com/foxcpp/relayd/internal/endpoint/smtp"
	"github.com/foxcpp/relayd/internal/limits"
	"github.com/foxcpp/relayd/internal/mtasts"
	"github.com/foxcpp/relayd/internal/mx"
	"github.com/foxcpp/relayd/internal/queue"
	"github.com/foxcpp/relayd/internal/rules"
	"github.com/foxcpp/relayd/internal/target/remote"
)

var Version = "go-build"

// Server is the running process state.
type Server struct {
	endpoints []*smtp.Endpoint
	trackers  []*limits.Tracker
	queue     *queue.Q
	dequeuer  *queue.Dequeuer
	stsCache  *mtasts.Cache

	Log log.Logger
}

// Start constructs and launches all components from the configuration
// snapshot.
func Start(cfg *config.Snapshot) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		Log: log.DefaultLogger,
	}

	ruleSet, err := rules.NewSet(cfg.Rules)
	if err != nil {
		return nil, err
	}

	serverTLS, clientTLS, err := loadTLS(cfg)
	if err != nil {
		return nil, err
	}

	resolver := dns.DefaultResolver()
	dnsClient := dns.NewClient(resolver)
	if ext, err := dns.NewExtResolver(); err != nil {
		srv.Log.Error("cannot initialize DNSSEC-aware resolver, DANE is not available", err)
	} else {
		dnsClient.Ext = ext
	}

	srv.stsCache, err = mtasts.NewFSCache(filepath.Join(config.StateDirectory, "mtasts_cache"), resolver)
	if err != nil {
		return nil, err
	}
	srv.stsCache.StartUpdater()

	mxResolver := &mx.Resolver{
		DNS: dnsClient,
		STS: srv.stsCache,
		Log: log.Logger{Name: "mx"},
	}

	backend, err := queue.NewBackend(cfg.Queue)
	if err != nil {
		return nil, err
	}
	srv.queue = queue.New(backend)

	rt, err := remote.New(cfg.Server.Hostname)
	if err != nil {
		return nil, err
	}
	rt.TLSConfig = clientTLS
	rt.ConnectTimeout = cfg.Queue.ConnectTimeout
	rt.CommandTimeout = cfg.Queue.CommandTimeout
	rt.SubmissionTimeout = cfg.Queue.ExtendedTimeout

	bounceDir := filepath.Join(config.StateDirectory, "bounce")
	if err := os.MkdirAll(bounceDir, 0o700); err != nil {
		return nil, err
	}

	maxRetries := cfg.Queue.MaxRetries
	if maxRetries == 0 {
		maxRetries = 20
	}
	srv.dequeuer = &queue.Dequeuer{
		Queue:            srv.queue,
		Resolver:         mxResolver,
		Target:           rt,
		MaxRetries:       maxRetries,
		MaxDequeue:       cfg.Queue.MaxDequeue,
		Interval:         cfg.Queue.TickInterval,
		Hostname:         cfg.Server.Hostname,
		AutogenMsgDomain: cfg.Server.Hostname,
		BounceDir:        bounceDir,
		Log:              log.Logger{Name: "queue"},
	}
	srv.dequeuer.Start()

	artifactDir := filepath.Join(config.RuntimeDirectory, "artifacts")
	if err := os.MkdirAll(artifactDir, 0o700); err != nil {
		return nil, err
	}

	listeners := cfg.Listeners
	if len(listeners) == 0 {
		// No explicit listeners: derive the classic port set from the
		// server-level knobs.
		bind := cfg.Server.Bind
		if bind == "" {
			bind = "0.0.0.0"
		}
		smtpPort := cfg.Server.SMTPPort
		if smtpPort == 0 {
			smtpPort = 25
		}
		listeners = append(listeners, config.Listener{
			Addr: fmt.Sprintf("tcp://%s:%d", bind, smtpPort),
		})
		if cfg.Server.SubmissionPort != 0 {
			listeners = append(listeners, config.Listener{
				Addr: fmt.Sprintf("tcp://%s:%d", bind, cfg.Server.SubmissionPort),
			})
		}
		if cfg.Server.SecurePort != 0 {
			listeners = append(listeners, config.Listener{
				Addr: fmt.Sprintf("tls://%s:%d", bind, cfg.Server.SecurePort),
			})
		}
	}

	for _, listenerCfg := range listeners {
		tracker := limits.NewTracker(listenerCfg.DoS)
		tracker.Start()
		srv.trackers = append(srv.trackers, tracker)

		endp := &smtp.Endpoint{
			Name:        "smtp",
			Server:      cfg.Server,
			Listener:    listenerCfg,
			TLSConfig:   serverTLS,
			Tracker:     tracker,
			Limits:      limits.NewGroup(limits.GroupConfig{}),
			Rules:       ruleSet,
			Resolver:    resolver,
			Queue:       srv.queue,
			ArtifactDir: artifactDir,
			SPF:         true,
			Log:         log.Logger{Name: "smtp"},
		}
		if err := endp.Start(); err != nil {
			srv.Close()
			return nil, err
		}
		srv.endpoints = append(srv.endpoints, endp)
	}

	return srv, nil
}

func loadTLS(cfg *config.Snapshot) (serverCfg, clientCfg *tls.Config, err error) {
	clientCfg = &tls.Config{
		InsecureSkipVerify: cfg.Server.AllowSelfSigned,
	}

	if cfg.TLS.TruststorePath != "" {
		pem, err := os.ReadFile(cfg.TLS.TruststorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot read the truststore: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("no certificates found in the truststore")
		}
		clientCfg.RootCAs = pool
	}

	if cfg.TLS.KeystorePath == "" {
		return nil, clientCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.KeystorePath, cfg.TLS.KeystoreKey)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load the keystore: %w", err)
	}
	serverCfg = &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	return serverCfg, clientCfg, nil
}

// Close shuts all components down: the accept loops stop first, the
// in-flight connections drain, then the dequeuer finishes its current item.
func (srv *Server) Close() error {
	for _, endp := range srv.endpoints {
		endp.Close()
	}
	for _, tracker := range srv.trackers {
		tracker.Close()
	}
	if srv.dequeuer != nil {
		srv.dequeuer.Close()
	}
	if srv.stsCache != nil {
		srv.stsCache.Close()
	}
	if srv.queue != nil {
		srv.queue.Close()
	}
	return nil
}

// Wait blocks until the process receives a termination signal.
func (srv *Server) Wait() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	s := <-sig
	srv.Log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
	signal.Stop(sig)
}
