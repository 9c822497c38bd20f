package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// SensorSpec binds one hardware sensor to the topic its readings go to.
type SensorSpec struct {
	Index  int
	Device string
	Topic  string
}

// ParseSensors parses comma separated triples of index, IIO device directory
// and publish topic, e.g. "1,/sys/bus/iio/devices/iio:device0,trailer/freezer1/data".
func ParseSensors(envVar string) ([]SensorSpec, error) {
	envVar = strings.TrimSpace(envVar)
	if envVar == "" {
		return nil, fmt.Errorf("no sensors configured")
	}
	fields := strings.Split(envVar, ",")
	if len(fields)%3 != 0 {
		return nil, fmt.Errorf("invalid SENSORS value %q: want index,device,topic triples", envVar)
	}

	var sensors []SensorSpec
	seen := make(map[int]bool)
	for i := 0; i < len(fields); i += 3 {
		index, err := strconv.Atoi(strings.TrimSpace(fields[i]))
		if err != nil {
			return nil, fmt.Errorf("error parsing sensor index %q: %w", fields[i], err)
		}
		if seen[index] {
			return nil, fmt.Errorf("duplicate sensor index %d", index)
		}
		seen[index] = true

		device := strings.TrimSpace(fields[i+1])
		topic := strings.TrimSpace(fields[i+2])
		if device == "" || topic == "" {
			return nil, fmt.Errorf("sensor %d: device and topic are required", index)
		}
		sensors = append(sensors, SensorSpec{Index: index, Device: device, Topic: topic})
	}
	return sensors, nil
}
