package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/dcluster/internal/config"
	"github.com/Iron-Ham/dcluster/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "dcluster",
	Short: "Launch and supervise a distributed compute cluster",
	Long: `dcluster starts a coordinator and a set of workers on remote hosts over ssh,
streams their output, watches their health, and tears everything down in
order when interrupted.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Errors caused by malformed input are
// followed by the usage of the command that failed.
func Execute(ctx context.Context) error {
	c, err := rootCmd.ExecuteContextC(ctx)
	if err != nil && errors.IsUserFacing(err) && c != nil {
		fmt.Fprintf(c.ErrOrStderr(), "Error: %v\n\n%s", err, c.UsageString())
		return err
	}
	if err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/dcluster/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("DCLUSTER")
	// e.g., DCLUSTER_CLUSTER_PORT for cluster.port
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// bindFlags binds each named flag of cmd to a config key. Binding happens
// when the command runs so that commands sharing a key do not steal each
// other's flags.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flag)
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig binds cmd's flags and returns the validated configuration.
func loadConfig(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	if err := bindFlags(cmd, keys); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidInput, err)
	}
	return cfg, nil
}

// resetFlags restores every flag of cmd to its default. Tests run many
// commands against the same tree.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
