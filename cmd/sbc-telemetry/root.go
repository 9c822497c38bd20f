package main

import (
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/teamwork/reload"

	"sbc-telemetry/pkg/config"
	"sbc-telemetry/pkg/credentials"
	"sbc-telemetry/pkg/logging"
)

// app carries what PersistentPreRunE prepares for the device commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		envFiles   []string
		logLevel   string
	)
	a := &app{}

	root := &cobra.Command{
		Use:   "sbc-telemetry",
		Short: "Publish single-board computer telemetry to an MQTT broker",
		Long: `sbc-telemetry connects a single-board computer to an MQTT broker,
listens for instructions and publishes sensor readings on a fixed interval.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, envFiles...)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			a.cfg = cfg
			a.logger = logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, cmd.ErrOrStderr())
			a.logger.Debug().Str("client_id", cfg.Broker.ClientID).Int("protocol", cfg.Broker.Protocol).Msg("Configuration loaded")

			if cfg.Reload {
				go a.watch(configPath)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load, e.g. .env.local (repeatable)")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newDemoCmd(a), newFreezerCmd(a))
	return root
}

// watch re-executes the process when the binary, the configuration file or
// the credential file changes.
func (a *app) watch(configPath string) {
	logf := func(format string, args ...interface{}) {
		a.logger.Info().Msgf(format, args...)
	}

	credPath, err := credentials.Resolve(a.cfg.Credentials.File)
	if err != nil {
		a.logger.Error().Err(err).Msg("Restart-on-change disabled")
		return
	}
	credDir := filepath.Dir(credPath)

	// The directories hold unrelated files ($HOME by default), so only a
	// change to the watched files themselves restarts the process.
	watched := []string{credPath}
	if configPath != "" {
		watched = append(watched, configPath)
	}
	stamps := stampFiles(watched...)
	restart := func() {
		if !stamps.changed() {
			return
		}
		a.logger.Info().Strs("files", watched).Msg("Watched file changed, restarting")
		reload.Exec()
	}

	if configPath == "" {
		err = reload.Do(logf, reload.Dir(credDir, restart))
	} else {
		err = reload.Do(logf, reload.Dir(credDir, restart), reload.Dir(filepath.Dir(configPath), restart))
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("Restart-on-change watcher stopped")
	}
}
