// Package block defines the motion and output command blocks consumed by the
// pulse scheduler, and the ring-buffer queue the upstream planner fills.
package block

import (
	"errors"
	"fmt"

	"driveboard-go/pkg/hw"
)

// Type identifies the kind of a block. The set is fixed; dispatch over it is
// exhaustive.
type Type int

const (
	// TypeLine is a straight move with fixed nominal laser intensity.
	TypeLine Type = iota

	// TypeRasterLine is a move whose intensity is driven pixel-by-pixel
	// from the raster byte stream.
	TypeRasterLine

	// Assist output switching. These complete in a single step event.
	TypeAirAssistEnable
	TypeAirAssistDisable
	TypeAux1AssistEnable
	TypeAux1AssistDisable
	TypeAux2AssistEnable
	TypeAux2AssistDisable
)

func (t Type) String() string {
	switch t {
	case TypeLine:
		return "line"
	case TypeRasterLine:
		return "raster_line"
	case TypeAirAssistEnable:
		return "air_assist_enable"
	case TypeAirAssistDisable:
		return "air_assist_disable"
	case TypeAux1AssistEnable:
		return "aux1_assist_enable"
	case TypeAux1AssistDisable:
		return "aux1_assist_disable"
	case TypeAux2AssistEnable:
		return "aux2_assist_enable"
	case TypeAux2AssistDisable:
		return "aux2_assist_disable"
	default:
		return "unknown"
	}
}

// IsMotion reports whether the block type traces steps.
func (t Type) IsMotion() bool {
	return t == TypeLine || t == TypeRasterLine
}

// Block is one queued unit of motion or output command. The planner owns the
// kinematic parameters; the scheduler holds a non-owning reference to the
// queue head while tracing it.
//
// Rates are in steps per minute. RateDelta is the per-acceleration-tick
// velocity increment and is always non-negative; the deceleration phase
// subtracts it.
type Block struct {
	Type Type

	// Step magnitudes per axis (non-negative) and per-axis sign bits on
	// the stepping port direction positions.
	StepsX, StepsY, StepsZ uint32
	DirectionBits          uint8

	// Total step events in this block.
	StepEventCount uint32

	InitialRate uint32
	NominalRate uint32
	FinalRate   uint32
	RateDelta   uint32

	// Step-event indexes bounding the accelerate/cruise/decelerate phases.
	AccelerateUntil uint32
	DecelerateAfter uint32

	// Laser intensity 0-255. For raster lines this scales the pixel bytes.
	NominalLaserIntensity uint8

	// Step events per raster pixel (raster lines only).
	PixelSteps uint32
}

// Validation errors.
var (
	ErrPhaseOrder  = errors.New("block: accelerate_until > decelerate_after or past step_event_count")
	ErrRateProfile = errors.New("block: initial or final rate above nominal rate")
	ErrNoSteps     = errors.New("block: motion block without step events")
	ErrPixelSteps  = errors.New("block: raster block without pixel_steps")
)

// Validate checks the phase and rate invariants of a motion block. Non-motion
// blocks are always valid.
func (b *Block) Validate() error {
	if !b.Type.IsMotion() {
		return nil
	}
	if b.StepEventCount == 0 {
		return ErrNoSteps
	}
	if b.AccelerateUntil > b.DecelerateAfter || b.DecelerateAfter > b.StepEventCount {
		return fmt.Errorf("%w: accelerate_until=%d decelerate_after=%d step_event_count=%d",
			ErrPhaseOrder, b.AccelerateUntil, b.DecelerateAfter, b.StepEventCount)
	}
	if b.InitialRate > b.NominalRate || b.FinalRate > b.NominalRate {
		return fmt.Errorf("%w: initial=%d nominal=%d final=%d",
			ErrRateProfile, b.InitialRate, b.NominalRate, b.FinalRate)
	}
	if b.Type == TypeRasterLine && b.PixelSteps == 0 {
		return ErrPixelSteps
	}
	return nil
}

// Steps returns the step magnitude for an axis.
func (b *Block) Steps(axis int) uint32 {
	switch axis {
	case hw.AxisX:
		return b.StepsX
	case hw.AxisY:
		return b.StepsY
	case hw.AxisZ:
		return b.StepsZ
	default:
		return 0
	}
}

// DirectionNegative reports whether the axis moves in the negative direction.
func (b *Block) DirectionNegative(axis int) bool {
	switch axis {
	case hw.AxisX:
		return b.DirectionBits>>hw.XDirectionBit&1 == 1
	case hw.AxisY:
		return b.DirectionBits>>hw.YDirectionBit&1 == 1
	case hw.AxisZ:
		return b.DirectionBits>>hw.ZDirectionBit&1 == 1
	default:
		return false
	}
}
