package main

import (
	"cellbench"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: cellbench.Station},
		resource.APIModel{API: generic.API, Model: cellbench.Bench},
		resource.APIModel{API: sensor.API, Model: cellbench.BenchSensor},
		resource.APIModel{API: sensor.API, Model: cellbench.TelemetrySensor},
	)
}
