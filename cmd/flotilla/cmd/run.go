package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/flotillaproject/flotilla/internal/flotilla"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [commands-file]",
		Short: "Run the metascheduler on a list of shell commands, one per line, read from the given file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}

			input := os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.WithStack(err)
				}
				defer f.Close()
				input = f
			}
			commands, err := flotilla.ReadCommands(input)
			if err != nil {
				return err
			}
			if len(commands) == 0 {
				return errors.New("no commands to run")
			}

			return flotilla.Run(config, commands)
		},
	}
	return cmd
}
