package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/panoptes-ai/panoptes/config"
	"github.com/panoptes-ai/panoptes/internal/tools/docstore"
	"github.com/panoptes-ai/panoptes/internal/tools/fleet"
	"github.com/panoptes-ai/panoptes/internal/tools/rpc"
	"github.com/panoptes-ai/panoptes/internal/tools/warehouse"
)

func toolserverCMD() *cobra.Command {
	var cfgPath string
	var ts = &cobra.Command{
		Use:   "toolserver <server-type>",
		Short: "Run one configured tool server on stdio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			name := args[0]
			svc, ok := cfg.Tools.Servers[name]
			if !ok {
				return fmt.Errorf("unknown server type %q", name)
			}

			handler, err := buildHandler(cmd.Context(), name, svc, cfg)
			if err != nil {
				return err
			}
			return rpc.NewServer(handler).Serve(os.Stdin, os.Stdout)
		},
	}
	ts.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ts
}

// buildHandler picks the backend from the fields set on the server's
// config section: a document root, a warehouse DSN, or a fleet API URL.
func buildHandler(ctx context.Context, name string, svc config.ToolServerConfig, cfg *config.Config) (rpc.Handler, error) {
	switch {
	case svc.Root != "":
		return docstore.New(svc.Root, cfg.Cache, nil)
	case svc.DSN != "":
		return warehouse.New(ctx, svc.DSN, nil)
	case svc.BaseURL != "":
		return fleet.New(svc.BaseURL, svc.APIKey, svc.Timeout, nil)
	default:
		return nil, fmt.Errorf("tools.servers.%s: set root, dsn, or base_url to pick a backend", name)
	}
}
