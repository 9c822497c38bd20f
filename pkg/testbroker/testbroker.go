// Package testbroker starts a throwaway mosquitto broker for integration tests.
package testbroker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	image = "eclipse-mosquitto:2.0"
	port  = "1883/tcp"
)

// Broker is the address of a running container.
type Broker struct {
	Host string
	Port int
}

// Start runs mosquitto for the duration of the test. With anonymous false and
// no password file, every connection is refused as not authorized.
func Start(t *testing.T, anonymous bool) Broker {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping broker integration test in short mode")
	}
	ctx := context.Background()

	conf := "persistence false\nlistener 1883\nallow_anonymous " + strconv.FormatBool(anonymous) + "\n"
	confPath := filepath.Join(t.TempDir(), "mosquitto.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(conf), 0o644))

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{port},
		WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(60 * time.Second),
		Files: []testcontainers.ContainerFile{{
			HostFilePath:      confPath,
			ContainerFilePath: "/mosquitto/config/mosquitto.conf",
			FileMode:          0o644,
		}},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate mosquitto: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	return Broker{Host: host, Port: mapped.Int()}
}
