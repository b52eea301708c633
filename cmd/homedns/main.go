package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"homedns/internal/log"
	"homedns/internal/meta"
	"homedns/internal/metrics"
	"homedns/internal/network"
	"homedns/internal/protocol"
	"homedns/internal/store"

	"github.com/getsentry/raven-go"
)

func main() {
	configPath := flag.String(
		"config",
		os.Getenv("HOMEDNS_CONFIG"),
		"path to the configuration file on disk",
	)
	version := flag.Bool(
		"version",
		false,
		"print the compiled homedns version SHA",
	)
	verbosity := flag.String(
		"verbosity",
		"error",
		"desired logging verbosity: one of error, warn, info, debug",
	)
	flag.Parse()

	// Report the compiled version and exit
	if *version {
		fmt.Printf("homedns/%s\n", meta.VersionSHA)
		return
	}

	// Logging configuration; default to log.Error verbosity
	level, _ := log.ParseLevel(*verbosity)
	logger := log.NewConsoleLogger(level)
	logger.Debug("main: initialized logger: level=%v", level)

	// Parse application configuration
	logger.Debug("main: reading and parsing config: path=%s", *configPath)
	config, err := meta.ParseConfig(*configPath)
	if err != nil {
		panic(err)
	}

	// Configure error reporting
	if config.Application != nil && config.Application.SentryDSN != "" {
		raven.SetDSN(config.Application.SentryDSN)
		raven.SetRelease(meta.VersionSHA)
	}

	// Configure metrics reporting
	clientCxLifecycleHook := metrics.NewNoopConnectionLifecycleHook()
	clientCxIOHook := metrics.NewNoopConnectionIOHook()
	dispatchHook := metrics.NewNoopDispatchHook()
	forwardHook := metrics.NewNoopForwardHook()

	if config.Metrics != nil && config.Metrics.Statsd != nil {
		logger.Info(
			"main: configuring statsd metrics reporting: addr=%s sample_rate=%f",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
		)

		if clientCxLifecycleHook, err = metrics.NewAsyncStatsdConnectionLifecycleHook(
			"client",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}

		if clientCxIOHook, err = metrics.NewAsyncStatsdConnectionIOHook(
			"client",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}

		if dispatchHook, err = metrics.NewAsyncStatsdDispatchHook(
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}

		if forwardHook, err = metrics.NewAsyncStatsdForwardHook(
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}
	} else {
		logger.Warn("main: no metrics output engine specified; disabling metrics")
	}

	// Open the local authoritative record store
	logger.Info("main: opening local record store: path=%s", config.Store.DBPath)
	recordStore, err := store.Open(config.Store.DBPath)
	if err != nil {
		panic(err)
	}
	defer recordStore.Close()

	resolver := store.NewResolver(recordStore, logger)

	// Static per-client denylist, immutable for the lifetime of the process
	var denylist []protocol.DenyRule
	for _, rule := range config.Denylist {
		logger.Debug("main: loaded denylist rule: client_ip=%s record_type=%s", rule.ClientIP, rule.RecordType)
		denylist = append(denylist, protocol.DenyRule{
			ClientIP:   rule.ClientIP,
			RecordType: rule.RecordType,
		})
	}

	// Upstream targets, tried strictly in declared order; encrypted roots follow plaintext
	// roots in the failover sequence
	var roots []network.UpstreamTarget
	for _, root := range config.Upstream.Roots {
		logger.Info("main: configured upstream root: host=%s port=%d", root.Host, root.Port)
		roots = append(roots, network.UpstreamTarget{Host: root.Host, Port: root.Port})
	}

	// Encrypted roots are grouped into contiguous same-mode runs so that mixed DoT and DoH
	// targets are still tried in exactly their declared order.
	type encryptedRun struct {
		mode    string
		targets []network.UpstreamTarget
	}

	var encryptedRuns []encryptedRun
	for _, root := range config.Upstream.EncryptedRoots {
		mode := "dot"
		if strings.EqualFold(root.Mode, "doh") {
			mode = "doh"
		}

		logger.Info(
			"main: configured encrypted upstream root: host=%s port=%d server_name=%s mode=%s",
			root.Host,
			root.Port,
			root.ServerName,
			mode,
		)

		target := network.UpstreamTarget{
			Host:       root.Host,
			Port:       root.Port,
			ServerName: root.ServerName,
		}

		if n := len(encryptedRuns); n > 0 && encryptedRuns[n-1].mode == mode {
			encryptedRuns[n-1].targets = append(encryptedRuns[n-1].targets, target)
		} else {
			encryptedRuns = append(encryptedRuns, encryptedRun{mode, []network.UpstreamTarget{target}})
		}
	}

	buildForwarder := func(transport network.Transport) network.Forwarder {
		var forwarders []network.Forwarder

		if len(roots) > 0 {
			if transport == network.TCP {
				forwarders = append(forwarders, network.NewTCPForwarder(
					roots,
					config.Upstream.AttemptTimeout,
					forwardHook,
					logger,
				))
			} else {
				forwarders = append(forwarders, network.NewUDPForwarder(
					roots,
					config.Upstream.AttemptTimeout,
					forwardHook,
					logger,
				))
			}
		}

		for _, run := range encryptedRuns {
			if run.mode == "doh" {
				forwarders = append(forwarders, network.NewDoHForwarder(
					run.targets,
					config.Upstream.AttemptTimeout,
					transport,
					forwardHook,
					logger,
				))
			} else {
				forwarders = append(forwarders, network.NewDoTForwarder(
					run.targets,
					config.Upstream.AttemptTimeout,
					transport,
					forwardHook,
					logger,
				))
			}
		}

		if len(forwarders) == 1 {
			return forwarders[0]
		}

		return network.NewFailoverForwarder(forwarders...)
	}

	// Configure server listeners
	if config.Listener.UDP != nil {
		logger.Info(
			"main: configuring UDP server listener: addr=%s max_concurrent_conns=%d",
			config.Listener.UDP.Address,
			config.Listener.UDP.MaxConcurrentConnections,
		)

		handler := &protocol.DispatchHandler{
			Framer:         network.NewUDPFramer(),
			Forwarder:      buildForwarder(network.UDP),
			Lookup:         resolver.Lookup,
			Denylist:       denylist,
			ClientCxIOHook: clientCxIOHook,
			DispatchHook:   dispatchHook,
			Logger:         logger,
		}

		opts := network.UDPServerOpts{
			MaxConcurrentConnections: config.Listener.UDP.MaxConcurrentConnections,
			ReadTimeout:              config.Listener.UDP.ReadTimeout,
			WriteTimeout:             config.Listener.UDP.WriteTimeout,
		}

		udpServer := network.NewUDPServer(config.Listener.UDP.Address, opts)

		go func() {
			if err := udpServer.ListenAndServe(handler); err != nil {
				panic(err)
			}
		}()
	}

	if config.Listener.TCP != nil {
		logger.Info(
			"main: configuring TCP server listener: addr=%s",
			config.Listener.TCP.Address,
		)

		handler := &protocol.DispatchHandler{
			Framer:         network.NewTCPFramer(),
			Forwarder:      buildForwarder(network.TCP),
			Lookup:         resolver.Lookup,
			Denylist:       denylist,
			ClientCxIOHook: clientCxIOHook,
			DispatchHook:   dispatchHook,
			Logger:         logger,
		}

		opts := network.TCPServerOpts{
			ReadTimeout:  config.Listener.TCP.ReadTimeout,
			WriteTimeout: config.Listener.TCP.WriteTimeout,
		}

		tcpServer := network.NewTCPServer(
			config.Listener.TCP.Address,
			clientCxLifecycleHook,
			opts,
		)

		go func() {
			if err := tcpServer.ListenAndServe(handler); err != nil {
				panic(err)
			}
		}()
	}

	// Serve indefinitely
	logger.Info("main: serving indefinitely")
	<-make(chan bool)
}
