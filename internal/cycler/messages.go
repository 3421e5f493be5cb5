package cycler

// Signal describes one field of a message.
type Signal struct {
	Name   string
	Start  uint8
	Length uint8
	Signed bool
	Scale  float64
	Unit   string
}

// Message describes one message of the cycler protocol. ID is the base
// identifier; the bench number is added to it on the wire.
type Message struct {
	Name      string
	BaseID    uint32
	Length    uint8
	Direction string
	Signals   []Signal
}

// Messages returns the message table.
func Messages() []Message {
	return []Message{
		{
			Name:      "BenchCommand",
			BaseID:    CommandBaseID,
			Length:    8,
			Direction: "host -> cycler",
			Signals: []Signal{
				{Name: "Mode", Start: 0, Length: 8, Scale: 1},
				{Name: "Cell", Start: 8, Length: 8, Scale: 1},
				{Name: "Current", Start: 16, Length: 16, Signed: true, Scale: 0.001, Unit: "A"},
				{Name: "Voltage", Start: 32, Length: 16, Scale: 0.001, Unit: "V"},
				{Name: "Step", Start: 48, Length: 8, Scale: 1},
				{Name: "Sequence", Start: 56, Length: 8, Scale: 1},
			},
		},
		{
			Name:      "BenchTelemetry",
			BaseID:    TelemetryBaseID,
			Length:    8,
			Direction: "cycler -> host",
			Signals: []Signal{
				{Name: "Voltage", Start: 0, Length: 16, Scale: 0.001, Unit: "V"},
				{Name: "Current", Start: 16, Length: 16, Signed: true, Scale: 0.001, Unit: "A"},
				{Name: "Temperature", Start: 32, Length: 16, Signed: true, Scale: 0.1, Unit: "degC"},
				{Name: "Mode", Start: 48, Length: 8, Scale: 1},
				{Name: "Fault", Start: 56, Length: 1, Scale: 1},
			},
		},
	}
}
