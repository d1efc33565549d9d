//go:build linux

package main

import (
	"driveboard-go/pkg/config"
	"driveboard-go/pkg/hw"
	"driveboard-go/pkg/log"
)

func openGPIO(cfg *config.Config, logger *log.Logger) (*boardPorts, error) {
	g, err := hw.OpenGPIO(hw.PinsFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	logger.Info("using sysfs GPIO hardware ports")
	return &boardPorts{
		motion: g,
		laser:  g,
		assist: g,
		sense:  g,
		close:  g.Close,
	}, nil
}
