//go:build !linux

package main

import (
	"errors"

	"driveboard-go/pkg/config"
	"driveboard-go/pkg/log"
)

func openGPIO(cfg *config.Config, logger *log.Logger) (*boardPorts, error) {
	return nil, errors.New("GPIO hardware ports require linux; use -sim")
}
