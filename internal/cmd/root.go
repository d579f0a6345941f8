package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   string
	BuildTime string
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:   "keypool",
	Short: "API key and model quota pool",
	Long: `Keypool hands out upstream API keys under per-model RPM, RPH and RPD
limits, with a shared central pool and private per-tenant pools.`,
	RunE: runServe,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "./data", "data directory")
	rootCmd.PersistentFlags().String("log-dir", "./logs", "log directory")

	// Server flags apply to the root command and to serve
	rootCmd.PersistentFlags().String("host", "0.0.0.0", "server host")
	rootCmd.PersistentFlags().Int("port", 8046, "server port")
	rootCmd.PersistentFlags().String("mode", "release", "server mode (debug/release/test)")

	viper.BindPFlag("storage.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("storage.logs_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("server.host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("server.mode", rootCmd.PersistentFlags().Lookup("mode"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./data")
		viper.AddConfigPath("$HOME/.keypool")
	}

	// KEYPOOL_LEDGER_REDIS_URL overrides ledger.redis.url
	viper.SetEnvPrefix("keypool")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// LoadOrCreate writes the file when the command runs
		if cfgFile == "" {
			viper.SetConfigFile("./config.yaml")
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
