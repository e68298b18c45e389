package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flotillaproject/flotilla/internal/common"
	commonconfig "github.com/flotillaproject/flotilla/internal/common/config"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "flotilla",
		SilenceUsage: true,
		Short:        "Like GNU parallel, but schedules jobs on a Slurm cluster",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
	)

	return cmd
}

func loadConfig() (configuration.FlotillaConfig, error) {
	var config configuration.FlotillaConfig
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/flotilla", userSpecifiedConfigs)

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, config.Validate()
}
