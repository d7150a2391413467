package config

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

// ApplyLogLevel sets the level of the default logger. An empty level keeps
// the current one.
func ApplyLogLevel(level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		return nil
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	return nil
}
