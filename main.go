package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/letsconnect/flowkit/agent"
	"github.com/letsconnect/flowkit/analytics"
	"github.com/letsconnect/flowkit/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}

type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("storage-impl", "memory", "implementation of underlying storage: redis, sqlite or memory")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "flowkit", "namespace used in redis storage")
	cmd.Flags().String("sqlite-path", "flowkit.db", "path to the sqlite database file")
	cmd.Flags().Int("http-port", 8080, "http port for event intake")
	cmd.Flags().Int("bus-capacity", 512, "event bus buffer capacity")
	cmd.Flags().String("frontend-url", "http://localhost:3000", "base url used in outbound email links")
	cmd.Flags().String("analytics-file", "flowkit-analytics.log", "file receiving per-step audit records")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.SqliteConfig.Path = viper.GetString("sqlite-path")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.BusCapacity = viper.GetInt("bus-capacity")
	c.cfg.FrontendURL = viper.GetString("frontend-url")
	c.cfg.AnalyticsConfig = analytics.DataCollectorConfig{
		FileName:      viper.GetString("analytics-file"),
		CollectorType: analytics.LOG_FILE_DATA_COLLECTOR,
	}
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}
	cmd := &cobra.Command{
		Use:     "flowkit",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}
	if err := setupFlags(cmd); err != nil {
		panic(err)
	}
	if err := cmd.Execute(); err != nil {
		panic(err)
	}
}
