// Package credentials reads the broker and network login file kept in the
// user's home directory.
package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrLoad              = errors.New("credentials: cannot read file")
	ErrInsufficientLines = errors.New("credentials: file needs four lines")
)

// fieldCount is the number of lines the file must provide.
const fieldCount = 4

// Credentials are loaded once at startup and never modified.
type Credentials struct {
	BrokerUser      string
	BrokerPassword  string
	NetworkSSID     string
	NetworkPassword string
}

// Fields returns the values in file order.
func (c Credentials) Fields() []string {
	return []string{c.BrokerUser, c.BrokerPassword, c.NetworkSSID, c.NetworkPassword}
}

// Resolve places a relative file name under the user's home directory.
func Resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return filepath.Join(home, name), nil
}

// Load reads one value per line: broker user, broker password, network SSID,
// network password. Lines after the fourth are ignored.
func Load(path string) (Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	defer f.Close()

	lines := make([]string, 0, fieldCount)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(lines) < fieldCount {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	if len(lines) < fieldCount {
		return Credentials{}, fmt.Errorf("%w: %s has %d", ErrInsufficientLines, path, len(lines))
	}

	return Credentials{
		BrokerUser:      lines[0],
		BrokerPassword:  lines[1],
		NetworkSSID:     lines[2],
		NetworkPassword: lines[3],
	}, nil
}
