// driveboardd runs the driveboard pulse-generation core on a host board.
// It drives the stepper and laser lines, takes the job stream from a serial
// host connection, and serves the monitor HTTP/WebSocket API for UIs.
//
// Usage:
//
//	driveboardd [options]
//
// Options:
//
//	-config string    Machine configuration file (ini; defaults apply if absent)
//	-device string    Serial device carrying the job stream (e.g. /dev/ttyUSB0)
//	-baud int         Serial baud rate (default 57600)
//	-socket string    Unix socket of a simulated board (instead of -device)
//	-monitor string   Monitor API listen address (default ":7125")
//	-sim              Run against simulated hardware ports
//	-loglevel string  Log level: debug, info, warn, error (default "info")
//	-logjson          Emit JSON log lines instead of text
//
// Examples:
//
//	# Real board on GPIO with a USB serial host link
//	driveboardd -config /etc/driveboard.cfg -device /dev/ttyUSB0
//
//	# Simulated hardware, monitor API only
//	driveboardd -sim
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"driveboard-go/pkg/config"
	"driveboard-go/pkg/log"
	"driveboard-go/pkg/machine"
	"driveboard-go/pkg/monitor"
	"driveboard-go/pkg/serial"
)

func main() {
	configFile := flag.String("config", "", "Machine configuration file")
	device := flag.String("device", "", "Serial device carrying the job stream")
	baud := flag.Int("baud", 57600, "Serial baud rate")
	socket := flag.String("socket", "", "Unix socket of a simulated board")
	monitorAddr := flag.String("monitor", ":7125", "Monitor API listen address")
	sim := flag.Bool("sim", false, "Run against simulated hardware ports")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	logJSON := flag.Bool("logjson", false, "Emit JSON log lines instead of text")
	flag.Parse()

	logger := log.New("driveboardd")
	logger.SetLevel(log.ParseLevel(*logLevel))
	if *logJSON {
		logger.SetFormat(log.FormatJSON)
	}

	mcfg := config.DefaultMachine()
	var fileCfg *config.Config
	if *configFile != "" {
		c, err := config.Load(*configFile)
		if err != nil {
			logger.WithError(err).Error("cannot read config file")
			os.Exit(1)
		}
		fileCfg = c
		mcfg = config.LoadMachine(c)
		logger.WithField("file", *configFile).Info("configuration loaded")
	}

	ports, err := openPorts(fileCfg, *sim, logger)
	if err != nil {
		logger.WithError(err).Error("cannot open hardware ports")
		os.Exit(1)
	}
	defer ports.close()

	opts := machine.Options{
		Machine: mcfg,
		Motion:  ports.motion,
		Laser:   ports.laser,
		Assist:  ports.assist,
		Sense:   ports.sense,
		Logger:  logger.WithPrefix("machine"),
	}

	switch {
	case *device != "" && *socket != "":
		fmt.Fprintln(os.Stderr, "Error: -device and -socket are mutually exclusive")
		flag.Usage()
		os.Exit(1)
	case *device != "":
		scfg := serial.DefaultConfig()
		scfg.Device = *device
		scfg.BaudRate = *baud
		port, err := serial.Open(scfg)
		if err != nil {
			logger.WithError(err).Error("cannot open serial device")
			os.Exit(1)
		}
		defer port.Close()
		opts.SerialPort = port
		logger.WithFields(log.Fields{"device": port.Device(), "baud": *baud}).
			Info("serial link up")
	case *socket != "":
		port, err := serial.OpenSocket(*socket, 0)
		if err != nil {
			logger.WithError(err).Error("cannot open board socket")
			os.Exit(1)
		}
		defer port.Close()
		opts.SerialPort = port
		logger.WithField("socket", *socket).Info("serial link up")
	default:
		logger.Info("no serial link; monitor API only")
	}

	m := machine.New(opts)

	srv := monitor.New(monitor.Config{
		Addr:       *monitorAddr,
		Controller: m,
		Registry:   m.Registry(),
		Logger:     logger.WithPrefix("monitor"),
	})
	if err := srv.Start(); err != nil {
		logger.WithError(err).Error("cannot start monitor server")
		os.Exit(1)
	}
	defer srv.Stop()
	logger.WithField("addr", *monitorAddr).Info("monitor API listening")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	m.Run(ctx)
}
