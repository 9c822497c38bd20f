package sensor

import (
	"fmt"
	"os"
	"path/filepath"
)

// LED drives a status LED exposed through /sys/class/leds/<name>.
type LED struct {
	Dir string
}

func NewLED(name string) *LED {
	return &LED{Dir: filepath.Join("/sys/class/leds", name)}
}

func (l *LED) On() error  { return l.set("1") }
func (l *LED) Off() error { return l.set("0") }

func (l *LED) set(v string) error {
	if err := os.WriteFile(filepath.Join(l.Dir, "brightness"), []byte(v), 0o644); err != nil {
		return fmt.Errorf("led %s: %w", filepath.Base(l.Dir), err)
	}
	return nil
}
