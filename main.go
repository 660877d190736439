package main

import (
	"os"

	"github.com/flipset/flipset/pkg/config"
	"github.com/flipset/flipset/pkg/update"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Globals for logging flags, config file and version reporting.
var (
	debug      bool
	logLevel   string
	configFile string
	version    string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flipset",
		Short: "flipset",
		Long:  "flipset: A/B image updates with configuration migration",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if logLevel != "" {
				lvl, err := log.ParseLevel(logLevel)
				if err != nil {
					return err
				}
				log.SetLevel(lvl)
			}
			if debug {
				log.SetLevel(log.DebugLevel)
			}
			return config.ReadFile(viper.GetViper(), configPath(), configFile != "")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
		SilenceUsage: true,
		Version:      version,
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&debug, "debug", false, "enable debug level logging")
	flags.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&configFile, "config", "", "config file, defaults to "+config.DefaultPath)
	flags.Duration(config.KeyTimeout, 0, "Timeout for the operation, defaults to '5m'")
	if err := viper.BindPFlag(config.KeyTimeout, flags.Lookup(config.KeyTimeout)); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(update.NewCommands()...)
	return rootCmd
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.DefaultPath
}

func initConfig() {
	config.Init(viper.GetViper())
}

func main() {
	cobra.OnInitialize(initConfig)
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("Error: %v", err)
		os.Exit(1)
	}
}
