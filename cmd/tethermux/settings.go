package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"tethermux/internal/config"
)

var settingsCommand = cli.Command{
	Name:  "settings",
	Usage: "print the effective settings as YAML",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  flagSave,
			Usage: "write the effective settings back to the settings file",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		out, err := yaml.Marshal(appSettings)
		if err != nil {
			return err
		}
		fmt.Print(string(out))

		if command.Bool(flagSave) {
			path := command.Root().String(flagConfig)
			if err := config.Save(path, appSettings); err != nil {
				return err
			}
			fmt.Printf("# saved to %s\n", path)
		}
		return nil
	},
}
