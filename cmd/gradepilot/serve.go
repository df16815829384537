package main

import (
	"github.com/spf13/cobra"

	"github.com/gradepilot/gradepilot/config"
	srv "github.com/gradepilot/gradepilot/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the grading HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(cfg)
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (defaults to ./config)")
	return serve
}
