//go:build linux

package hw

import "driveboard-go/pkg/config"

// PinsFromConfig reads the [pins] section. Unassigned lines stay at -1 and
// are skipped when the pins are exported.
func PinsFromConfig(c *config.Config) PinConfig {
	p := PinConfig{
		StepX: -1, StepY: -1, StepZ: -1,
		DirX: -1, DirY: -1, DirZ: -1,
		Laser:      -1,
		AirAssist:  -1,
		Aux1Assist: -1,
		Aux2Assist: -1,
		LimitX1:    -1, LimitX2: -1,
		LimitY1: -1, LimitY2: -1,
		LimitZ1: -1, LimitZ2: -1,
		Door:    -1,
		Chiller: -1,
	}
	if c == nil {
		return p
	}
	s := c.Section("pins")
	p.StepX = s.GetInt("step_x", p.StepX)
	p.StepY = s.GetInt("step_y", p.StepY)
	p.StepZ = s.GetInt("step_z", p.StepZ)
	p.DirX = s.GetInt("dir_x", p.DirX)
	p.DirY = s.GetInt("dir_y", p.DirY)
	p.DirZ = s.GetInt("dir_z", p.DirZ)
	p.Laser = s.GetInt("laser", p.Laser)
	p.AirAssist = s.GetInt("air_assist", p.AirAssist)
	p.Aux1Assist = s.GetInt("aux1_assist", p.Aux1Assist)
	p.Aux2Assist = s.GetInt("aux2_assist", p.Aux2Assist)
	p.LimitX1 = s.GetInt("limit_x1", p.LimitX1)
	p.LimitX2 = s.GetInt("limit_x2", p.LimitX2)
	p.LimitY1 = s.GetInt("limit_y1", p.LimitY1)
	p.LimitY2 = s.GetInt("limit_y2", p.LimitY2)
	p.LimitZ1 = s.GetInt("limit_z1", p.LimitZ1)
	p.LimitZ2 = s.GetInt("limit_z2", p.LimitZ2)
	p.Door = s.GetInt("door", p.Door)
	p.Chiller = s.GetInt("chiller", p.Chiller)
	return p
}
