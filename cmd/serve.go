package main

import (
	"github.com/spf13/cobra"

	"github.com/panoptes-ai/panoptes/config"
	srv "github.com/panoptes-ai/panoptes/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			s, err := srv.New(cfg)
			if err != nil {
				return err
			}
			return s.Run()
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
