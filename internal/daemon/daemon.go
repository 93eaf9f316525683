// Package daemon implements the mcproxy daemon lifecycle: configuration,
// logging, metrics, the shared timer service, and one proxy instance per
// configured upstream/downstream set.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"firestige.xyz/mcproxy/internal/config"
	logpkg "firestige.xyz/mcproxy/internal/log"
	"firestige.xyz/mcproxy/internal/mcast"
	"firestige.xyz/mcproxy/internal/metrics"
	"firestige.xyz/mcproxy/internal/proxy"
	"firestige.xyz/mcproxy/internal/receiver"
	"firestige.xyz/mcproxy/internal/sender"
)

// Daemon manages the mcproxy process lifecycle.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	metricsServer *metrics.Server
	timing        *proxy.Timing
	senders       map[mcast.ProtocolVersion]*sender.Sender
	receivers     map[mcast.ProtocolVersion]*receiver.Receiver
	instances     []*proxy.Instance

	ctx     context.Context
	cancel  context.CancelFunc
	sigChan chan os.Signal
}

// New loads the configuration and creates a daemon instance.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		pidFile:    cfg.PIDFile,
		senders:    make(map[mcast.ProtocolVersion]*sender.Sender),
		receivers:  make(map[mcast.ProtocolVersion]*receiver.Receiver),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting mcproxy daemon", "config", d.configPath, "instances", len(d.config.Instances))

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if d.config.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
		if err := d.metricsServer.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	d.timing = proxy.NewTiming()

	for _, ic := range d.config.Instances {
		if err := d.startInstance(ic); err != nil {
			d.Stop()
			return fmt.Errorf("instance %q: %w", ic.Name, err)
		}
	}

	for _, r := range d.receivers {
		r.Start()
	}

	slog.Info("daemon started successfully")
	return nil
}

func (d *Daemon) startInstance(ic config.InstanceConfig) error {
	version := mcast.IGMPv3
	if strings.EqualFold(ic.Protocol, "MLDv2") {
		version = mcast.MLDv2
	}

	timers := proxy.NewTimersValues()
	timers.RobustnessVariable = d.config.Timers.RobustnessVariable
	qi, qri, llqi, err := d.config.Timers.Durations()
	if err != nil {
		return err
	}
	if qi > 0 {
		timers.QueryInterval = qi
	}
	if qri > 0 {
		timers.QueryResponseInterval = qri
	}
	if llqi > 0 {
		timers.LastListenerQueryInterval = llqi
	}

	snd, rcv, err := d.familyConn(version, timers)
	if err != nil {
		return err
	}

	upstreamIf, err := resolveInterface(ic.Upstream)
	if err != nil {
		return err
	}
	downstreamIfs := make([]int, 0, len(ic.Downstreams))
	for _, name := range ic.Downstreams {
		ifIndex, err := resolveInterface(name)
		if err != nil {
			return err
		}
		downstreamIfs = append(downstreamIfs, ifIndex)
	}

	filter, err := buildFilter(ic.Filter)
	if err != nil {
		return err
	}

	inst, err := proxy.NewInstance(ic.Name, version, upstreamIf, downstreamIfs, snd, d.timing, timers, filter)
	if err != nil {
		return err
	}

	for _, ifIndex := range downstreamIfs {
		rcv.Register(ifIndex, inst)
	}

	inst.Start()
	d.instances = append(d.instances, inst)

	slog.Info("proxy instance started",
		"name", ic.Name,
		"protocol", version.String(),
		"upstream", ic.Upstream,
		"downstreams", strings.Join(ic.Downstreams, ","),
	)
	return nil
}

// familyConn returns (creating on first use) the shared sender and receiver
// of a protocol family.
func (d *Daemon) familyConn(version mcast.ProtocolVersion, timers *proxy.TimersValues) (*sender.Sender, *receiver.Receiver, error) {
	if s, ok := d.senders[version]; ok {
		return s, d.receivers[version], nil
	}
	s, err := sender.New(version, timers)
	if err != nil {
		return nil, nil, err
	}
	r := receiver.New(version, s)
	d.senders[version] = s
	d.receivers[version] = r
	return s, r, nil
}

func buildFilter(fc config.FilterConfig) (*proxy.FilterSourceState, error) {
	if !fc.Enabled() {
		return nil, nil
	}
	sources, err := fc.ParsedSources()
	if err != nil {
		return nil, err
	}
	ft := proxy.Whitelist
	if strings.EqualFold(fc.Type, "blacklist") {
		ft = proxy.Blacklist
	}
	return &proxy.FilterSourceState{Type: ft, Sources: mcast.NewSourceList(sources...)}, nil
}

func resolveInterface(name string) (int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %q: %w", name, err)
	}
	if ifi.Flags&net.FlagMulticast == 0 {
		return 0, fmt.Errorf("interface %q does not support multicast", name)
	}
	return ifi.Index, nil
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	for _, inst := range d.instances {
		inst.Stop()
	}
	d.instances = nil

	if d.timing != nil {
		d.timing.Stop()
	}

	// Closing the sockets unblocks the receiver read loops.
	for version, s := range d.senders {
		if err := s.Close(); err != nil {
			slog.Error("error closing sender", "version", version.String(), "error", err)
		}
	}
	for _, r := range d.receivers {
		r.Stop()
	}

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT. SIGUSR1 dumps
// the membership state of every instance; SIGHUP re-reads the log section of
// the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig.String())
				d.Stop()
				return nil
			case syscall.SIGUSR1:
				d.dumpState()
			case syscall.SIGHUP:
				if err := d.reloadLogging(); err != nil {
					slog.Error("failed to reload logging config", "error", err)
				}
			}
		case <-d.ctx.Done():
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// dumpState logs the diagnostic rendering of every instance.
func (d *Daemon) dumpState() {
	for _, inst := range d.instances {
		for _, line := range strings.Split(strings.TrimRight(inst.String(), "\n"), "\n") {
			slog.Info(line)
		}
	}
}

// reloadLogging re-reads the configuration and applies the log section.
// Instance topology and timers are cold and require a restart.
func (d *Daemon) reloadLogging() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}
	if err := logpkg.Init(cfg.Log); err != nil {
		return err
	}
	d.config.Log = cfg.Log
	slog.Info("logging configuration reloaded", "level", cfg.Log.Level, "format", cfg.Log.Format)
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}

// ReadPIDFile returns the process ID recorded in the PID file at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", path, err)
	}
	return pid, nil
}
