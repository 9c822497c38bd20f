package sensor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Reading names produced by DHT.
const (
	TemperatureC = "temperature_c"
	TemperatureF = "temperature_f"
	Humidity     = "humidity"
)

// DHT reads a DHT11/DHT22 through the Linux dht11 IIO driver, e.g.
// /sys/bus/iio/devices/iio:device0. The driver reports milli-degrees and
// milli-percent.
type DHT struct {
	Name string
	Dir  string
}

func NewDHT(name, dir string) *DHT {
	return &DHT{Name: name, Dir: dir}
}

func (d *DHT) Read(ctx context.Context) (Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tempC, err := d.readMilli("in_temp_input")
	if err != nil {
		return nil, err
	}
	humidity, err := d.readMilli("in_humidityrelative_input")
	if err != nil {
		return nil, err
	}
	return Values{
		TemperatureC: tempC,
		TemperatureF: tempC*9/5 + 32,
		Humidity:     humidity,
	}, nil
}

func (d *DHT) readMilli(attr string) (float64, error) {
	raw, err := os.ReadFile(filepath.Join(d.Dir, attr))
	if err != nil {
		// The driver fails reads with EIO or ETIMEDOUT when the sensor misses
		// its timing window or the checksum does not match.
		if errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EAGAIN) {
			return 0, &ReadError{Sensor: d.Name, Err: err}
		}
		return 0, fmt.Errorf("sensor %s: %w", d.Name, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, &ReadError{Sensor: d.Name, Err: err}
	}
	return float64(n) / 1000, nil
}
