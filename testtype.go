package cellbench

import (
	"fmt"
	"strings"

	"cellbench/internal/cycler"
)

// TestType selects the sequence a bench runs against a cell.
type TestType int

const (
	CCCVCharge TestType = iota + 1
	CCDischarge
	RPT
)

// TestTypes lists every supported test type.
var TestTypes = []TestType{CCCVCharge, CCDischarge, RPT}

func (t TestType) String() string {
	switch t {
	case CCCVCharge:
		return "CCCV Charge Cycle"
	case CCDischarge:
		return "CC Discharge Cycle"
	case RPT:
		return "RPT (Rapid Pulse Test)"
	default:
		return fmt.Sprintf("TestType(%d)", int(t))
	}
}

// Key is the short name used in commands, configs and the history log.
func (t TestType) Key() string {
	switch t {
	case CCCVCharge:
		return "cccv_charge"
	case CCDischarge:
		return "cc_discharge"
	case RPT:
		return "rpt"
	default:
		return ""
	}
}

// ParseTestType accepts either the key or the display name, ignoring case.
func ParseTestType(s string) (TestType, error) {
	s = strings.TrimSpace(s)
	for _, t := range TestTypes {
		if strings.EqualFold(s, t.Key()) || strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("the selected option is not recognized: %q", s)
}

// Setpoints are the electrical limits used to build a sequence.
type Setpoints struct {
	ChargeCurrent    float64 // A
	DischargeCurrent float64 // A
	VoltageMax       float64 // V, CC charge termination and CV hold
	VoltageMin       float64 // V, discharge termination
	CutoffCurrent    float64 // A, CV termination
	PulseCurrent     float64 // A, RPT pulse amplitude
}

// DefaultSetpoints suit a typical 18650 lithium-ion cell.
func DefaultSetpoints() Setpoints {
	return Setpoints{
		ChargeCurrent:    1.0,
		DischargeCurrent: 1.0,
		VoltageMax:       4.2,
		VoltageMin:       2.5,
		CutoffCurrent:    0.05,
		PulseCurrent:     2.0,
	}
}

// Step is one of the four sub-operations of a test sequence. Until, when
// set, ends the step early once a telemetry reading satisfies it.
type Step struct {
	Name    string
	Mode    cycler.Mode
	Current float64
	Voltage float64
	Until   func(cycler.Reading) bool
}

// StepsPerTest is fixed for every test type.
const StepsPerTest = 4

// Progress is the percentage reported after completing step i (1-based).
func Progress(i int) int {
	return i * 100 / StepsPerTest
}

// Steps returns the four-step sequence for t.
func Steps(t TestType, sp Setpoints) ([]Step, error) {
	rest := Step{Name: "rest", Mode: cycler.ModeRest}
	finish := Step{Name: "finish", Mode: cycler.ModeOff}

	switch t {
	case CCCVCharge:
		return []Step{
			rest,
			{
				Name:    "constant-current charge",
				Mode:    cycler.ModeCCCharge,
				Current: sp.ChargeCurrent,
				Voltage: sp.VoltageMax,
				Until:   func(r cycler.Reading) bool { return r.Voltage >= sp.VoltageMax },
			},
			{
				Name:    "constant-voltage hold",
				Mode:    cycler.ModeCVCharge,
				Current: sp.ChargeCurrent,
				Voltage: sp.VoltageMax,
				Until: func(r cycler.Reading) bool {
					return r.Mode == cycler.ModeCVCharge && r.Current < sp.CutoffCurrent
				},
			},
			finish,
		}, nil
	case CCDischarge:
		return []Step{
			rest,
			{
				Name:    "constant-current discharge",
				Mode:    cycler.ModeCCDischarge,
				Current: sp.DischargeCurrent,
				Voltage: sp.VoltageMin,
				Until:   func(r cycler.Reading) bool { return r.Voltage <= sp.VoltageMin },
			},
			{Name: "relax", Mode: cycler.ModeRest},
			finish,
		}, nil
	case RPT:
		return []Step{
			rest,
			{Name: "discharge pulse", Mode: cycler.ModeCCDischarge, Current: sp.PulseCurrent, Voltage: sp.VoltageMin},
			{Name: "charge pulse", Mode: cycler.ModeCCCharge, Current: sp.PulseCurrent, Voltage: sp.VoltageMax},
			finish,
		}, nil
	default:
		return nil, fmt.Errorf("unknown test type %d", int(t))
	}
}
