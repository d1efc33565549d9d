package main

import (
	"driveboard-go/pkg/config"
	"driveboard-go/pkg/hw"
	"driveboard-go/pkg/log"
)

// boardPorts bundles the four hardware port groups plus their teardown.
type boardPorts struct {
	motion hw.MotionPort
	laser  hw.LaserPort
	assist hw.AssistPort
	sense  hw.SensePort
	close  func()
}

func openPorts(cfg *config.Config, sim bool, logger *log.Logger) (*boardPorts, error) {
	if sim {
		s := hw.NewSim()
		logger.Info("using simulated hardware ports")
		return &boardPorts{
			motion: s,
			laser:  s,
			assist: s,
			sense:  s,
			close:  func() {},
		}, nil
	}
	return openGPIO(cfg, logger)
}
