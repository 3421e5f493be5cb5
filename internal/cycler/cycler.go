// Package cycler encodes and decodes the CAN messages exchanged with the
// cell cycler channels that sit behind each test bench.
//
// Every bench owns one command message (host to cycler) and one telemetry
// message (cycler to host). Signals are packed little-endian, DBC style.
package cycler

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.einride.tech/can"
)

const (
	// CommandBaseID plus the bench number is the command frame ID.
	CommandBaseID uint32 = 0x200
	// TelemetryBaseID plus the bench number is the telemetry frame ID.
	TelemetryBaseID uint32 = 0x180
	// MaxBench keeps both ID ranges disjoint and inside 11-bit identifiers.
	MaxBench = 0x7f
)

var (
	ErrFrameID     = errors.New("unexpected frame id")
	ErrFrameLength = errors.New("unexpected frame length")
	ErrBench       = errors.New("bench number out of range")
)

// Mode is the operating mode requested from (and reported by) a cycler channel.
type Mode uint8

const (
	ModeOff Mode = iota
	ModeRest
	ModeCCCharge
	ModeCVCharge
	ModeCCDischarge
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeRest:
		return "rest"
	case ModeCCCharge:
		return "cc_charge"
	case ModeCVCharge:
		return "cv_charge"
	case ModeCCDischarge:
		return "cc_discharge"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Command is the decoded form of a command frame.
type Command struct {
	Bench    int
	Mode     Mode
	Cell     int
	Current  float64 // amps, positive charges
	Voltage  float64 // volts
	Step     int
	Sequence uint8
}

// Telemetry is the decoded form of a telemetry frame.
type Telemetry struct {
	Bench       int
	Voltage     float64 // volts
	Current     float64 // amps, positive charges
	Temperature float64 // degrees Celsius
	Mode        Mode
	Fault       bool
}

// Reading is a telemetry sample stamped with its arrival time.
type Reading struct {
	Telemetry
	At time.Time
}

func checkBench(bench int) error {
	if bench < 1 || bench > MaxBench {
		return fmt.Errorf("%w: %d", ErrBench, bench)
	}
	return nil
}

// CommandID returns the command frame ID for a bench.
func CommandID(bench int) uint32 {
	return CommandBaseID + uint32(bench)
}

// TelemetryID returns the telemetry frame ID for a bench.
func TelemetryID(bench int) uint32 {
	return TelemetryBaseID + uint32(bench)
}

// IsCommand reports whether id falls in the command range.
func IsCommand(id uint32) bool {
	return id > CommandBaseID && id <= CommandBaseID+MaxBench
}

// IsTelemetry reports whether id falls in the telemetry range.
func IsTelemetry(id uint32) bool {
	return id > TelemetryBaseID && id <= TelemetryBaseID+MaxBench
}

// EncodeCommand packs cmd into a command frame.
func EncodeCommand(cmd Command) (can.Frame, error) {
	if err := checkBench(cmd.Bench); err != nil {
		return can.Frame{}, err
	}
	var data can.Data
	data.SetUnsignedBitsLittleEndian(0, 8, uint64(cmd.Mode))
	data.SetUnsignedBitsLittleEndian(8, 8, uint64(clampInt(cmd.Cell, 0, math.MaxUint8)))
	data.SetSignedBitsLittleEndian(16, 16, scaleSigned(cmd.Current, 1000))
	data.SetUnsignedBitsLittleEndian(32, 16, scaleUnsigned(cmd.Voltage, 1000))
	data.SetUnsignedBitsLittleEndian(48, 8, uint64(clampInt(cmd.Step, 0, math.MaxUint8)))
	data.SetUnsignedBitsLittleEndian(56, 8, uint64(cmd.Sequence))
	return can.Frame{ID: CommandID(cmd.Bench), Length: 8, Data: data}, nil
}

// DecodeCommand unpacks a command frame.
func DecodeCommand(f can.Frame) (Command, error) {
	if !IsCommand(f.ID) || f.IsExtended {
		return Command{}, fmt.Errorf("%w: 0x%x", ErrFrameID, f.ID)
	}
	if f.Length != 8 {
		return Command{}, fmt.Errorf("%w: %d", ErrFrameLength, f.Length)
	}
	d := f.Data
	return Command{
		Bench:    int(f.ID - CommandBaseID),
		Mode:     Mode(d.UnsignedBitsLittleEndian(0, 8)),
		Cell:     int(d.UnsignedBitsLittleEndian(8, 8)),
		Current:  float64(d.SignedBitsLittleEndian(16, 16)) / 1000,
		Voltage:  float64(d.UnsignedBitsLittleEndian(32, 16)) / 1000,
		Step:     int(d.UnsignedBitsLittleEndian(48, 8)),
		Sequence: uint8(d.UnsignedBitsLittleEndian(56, 8)),
	}, nil
}

// EncodeTelemetry packs t into a telemetry frame.
func EncodeTelemetry(t Telemetry) (can.Frame, error) {
	if err := checkBench(t.Bench); err != nil {
		return can.Frame{}, err
	}
	var data can.Data
	data.SetUnsignedBitsLittleEndian(0, 16, scaleUnsigned(t.Voltage, 1000))
	data.SetSignedBitsLittleEndian(16, 16, scaleSigned(t.Current, 1000))
	data.SetSignedBitsLittleEndian(32, 16, scaleSigned(t.Temperature, 10))
	data.SetUnsignedBitsLittleEndian(48, 8, uint64(t.Mode))
	data.SetBit(56, t.Fault)
	return can.Frame{ID: TelemetryID(t.Bench), Length: 8, Data: data}, nil
}

// DecodeTelemetry unpacks a telemetry frame.
func DecodeTelemetry(f can.Frame) (Telemetry, error) {
	if !IsTelemetry(f.ID) || f.IsExtended {
		return Telemetry{}, fmt.Errorf("%w: 0x%x", ErrFrameID, f.ID)
	}
	if f.Length != 8 {
		return Telemetry{}, fmt.Errorf("%w: %d", ErrFrameLength, f.Length)
	}
	d := f.Data
	return Telemetry{
		Bench:       int(f.ID - TelemetryBaseID),
		Voltage:     float64(d.UnsignedBitsLittleEndian(0, 16)) / 1000,
		Current:     float64(d.SignedBitsLittleEndian(16, 16)) / 1000,
		Temperature: float64(d.SignedBitsLittleEndian(32, 16)) / 10,
		Mode:        Mode(d.UnsignedBitsLittleEndian(48, 8)),
		Fault:       d.Bit(56),
	}, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// scaleSigned converts a physical value to a saturated int16 raw value.
func scaleSigned(v, factor float64) int64 {
	raw := math.Round(v * factor)
	if raw > math.MaxInt16 {
		return math.MaxInt16
	}
	if raw < math.MinInt16 {
		return math.MinInt16
	}
	return int64(raw)
}

// scaleUnsigned converts a physical value to a saturated uint16 raw value.
func scaleUnsigned(v, factor float64) uint64 {
	raw := math.Round(v * factor)
	if raw > math.MaxUint16 {
		return math.MaxUint16
	}
	if raw < 0 {
		return 0
	}
	return uint64(raw)
}
