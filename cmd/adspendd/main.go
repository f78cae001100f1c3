package main

import (
	"fmt"
	"os"

	"github.com/MarkoPoloResearchLab/adspend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
)

const (
	flagConfigFile     = "config"
	flagDatabaseURL    = "database-url"
	flagLockBackend    = "lock-backend"
	flagRedisAddr      = "redis-addr"
	flagHTTPListenAddr = "http-listen-addr"
	flagGRPCListenAddr = "grpc-listen-addr"
	flagLogLevel       = "log-level"
	flagLogFormat      = "log-format"
	flagLogFile        = "log-file"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "adspendd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:           "adspendd",
		Short:         "Prepaid ad-spend billing daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		return loadConfig(cmd, v, cfg)
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "optional YAML, TOML or JSON config file")
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// database URL")
	flags.String(flagLockBackend, "", "billing lock backend: memory, redis or postgres")
	flags.String(flagRedisAddr, "", "Redis address for shared circuit state and locks")
	flags.String(flagHTTPListenAddr, "", "operator HTTP API listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC health listen address")
	flags.String(flagLogLevel, "", "log level (debug, info, warn, error)")
	flags.String(flagLogFormat, "", "log format (json or console)")
	flags.String(flagLogFile, "", "optional rotating log file")

	cmd.AddCommand(newServeCommand(cfg), newBillCommand(cfg), newMigrateCommand(cfg))
	return cmd
}

func loadConfig(root *cobra.Command, v *viper.Viper, cfg *config.Config) error {
	flags := root.PersistentFlags()
	for flagName, key := range map[string]string{
		flagDatabaseURL:    config.KeyDatabaseURL,
		flagLockBackend:    config.KeyLockBackend,
		flagRedisAddr:      config.KeyRedisAddr,
		flagHTTPListenAddr: config.KeyHTTPListenAddr,
		flagGRPCListenAddr: config.KeyGRPCListenAddr,
		flagLogLevel:       config.KeyLogLevel,
		flagLogFormat:      config.KeyLogFormat,
		flagLogFile:        config.KeyLogFile,
	} {
		flag := flags.Lookup(flagName)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	configFile, err := flags.GetString(flagConfigFile)
	if err != nil {
		return err
	}
	if err := config.ReadFile(v, configFile); err != nil {
		return err
	}
	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	*cfg = loaded
	return nil
}
