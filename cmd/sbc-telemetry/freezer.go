package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"sbc-telemetry/pkg/codec"
	"sbc-telemetry/pkg/netcheck"
	"sbc-telemetry/pkg/sensor"
	"sbc-telemetry/pkg/telemetry"
	"sbc-telemetry/pkg/utils"
)

const defaultStatusTopic = "trailer/rpi/connection"

func newFreezerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "freezer",
		Short: "Publish freezer temperature and humidity from DHT sensors",
		Long: `freezer reads DHT11/DHT22 sensors through the Linux IIO driver.
Sensors are configured as index,device,topic triples, e.g.
SENSORS=1,/sys/bus/iio/devices/iio:device0,trailer/freezer1/data`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			specs, err := utils.ParseSensors(a.cfg.Sensors)
			if err != nil {
				return fmt.Errorf("freezer: %w", err)
			}
			if a.cfg.Topics.Status == "" {
				a.cfg.Topics.Status = defaultStatusTopic
			}

			d := device{name: "freezer", channels: freezerChannels(specs)}
			var led *sensor.LED
			if a.cfg.StatusLED != "" {
				led = sensor.NewLED(a.cfg.StatusLED)
				d.onExit = func() {
					if err := led.Off(); err != nil {
						a.logger.Warn().Err(err).Msg("Status LED")
					}
				}
			}
			d.onConnected = func(ctx context.Context, c *telemetry.Client, s netcheck.Status) error {
				if led != nil {
					if err := led.On(); err != nil {
						a.logger.Warn().Err(err).Msg("Status LED")
					}
				}
				return publishStatus(ctx, c, a.cfg.Topics.Status, s)
			}
			return a.run(cmd.Context(), d)
		},
	}
}

func freezerChannels(specs []utils.SensorSpec) []telemetry.Channel {
	channels := make([]telemetry.Channel, 0, len(specs))
	for _, spec := range specs {
		name := fmt.Sprintf("freezer%d", spec.Index)
		channels = append(channels, telemetry.Channel{
			Name:   name,
			Topic:  spec.Topic,
			Source: sensor.NewDHT(name, spec.Device),
			Shape:  freezerPayload(spec.Index),
		})
	}
	return channels
}

func freezerPayload(index int) func(sensor.Values) codec.Payload {
	return func(v sensor.Values) codec.Payload {
		return codec.Payload{
			"freezeri":  index,
			"tempFf":    v[sensor.TemperatureF],
			"humidityi": int(v[sensor.Humidity]),
		}
	}
}
