package main

import (
	"context"

	"github.com/spf13/cobra"

	"sbc-telemetry/pkg/codec"
	"sbc-telemetry/pkg/netcheck"
	"sbc-telemetry/pkg/sensor"
	"sbc-telemetry/pkg/telemetry"
)

func newDemoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Publish simulated readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source := sensor.NewRandom(1, 50, "item1", "item2")

			var channels []telemetry.Channel
			for _, topic := range a.cfg.Topics.Publish {
				channels = append(channels, telemetry.Channel{
					Name:   "demo",
					Topic:  topic,
					Source: source,
					Shape:  demoPayload,
				})
			}
			return a.run(cmd.Context(), device{
				name:     "demo",
				channels: channels,
				onConnected: func(ctx context.Context, c *telemetry.Client, s netcheck.Status) error {
					return publishStatus(ctx, c, a.cfg.Topics.Status, s)
				},
			})
		},
	}
}

func demoPayload(v sensor.Values) codec.Payload {
	data := make(map[string]any, len(v))
	for k, n := range v {
		data[k] = int(n)
	}
	return codec.Payload{
		"description": "This is a demo",
		"data":        data,
	}
}
