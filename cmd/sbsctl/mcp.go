package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sbs-integration-engine/internal/config"
	"github.com/sbs-integration-engine/internal/mcp"
	"github.com/sbs-integration-engine/internal/setup"
)

func mcpCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP tool server",
		Long: `Expose normalization, pricing, claim processing, verification and the
review queue as MCP tools over stdio or streamable HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if standalone {
				lite := config.LoadLiteConfig()
				if !cmd.Flags().Changed("transport") {
					transport = lite.Transport
				}
				if !cmd.Flags().Changed("port") {
					port = lite.HTTPPort
				}
			}
			// stdout carries the protocol on stdio.
			logger, err := newLogger(cfg, true)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			components, err := setup.Build(ctx, cfg, setup.Options{}, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			server := mcp.NewServer(cfg.MCP, components.MCPServices(), logger)
			return server.Start(ctx, transport, port)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", mcp.TransportStdio, "transport: stdio or http")
	cmd.Flags().IntVar(&port, "port", 8081, "listen port for the http transport")

	cmd.AddCommand(mcpRegisterCmd(), mcpUnregisterCmd())
	return cmd
}

func mcpRegisterCmd() *cobra.Command {
	var (
		clientConfig string
		name         string
		binary       string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Add this server to a desktop agent's MCP configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := clientConfigPath(clientConfig)
			if err != nil {
				return err
			}
			if binary == "" {
				if binary, err = os.Executable(); err != nil {
					return fmt.Errorf("failed to locate sbsctl binary: %w", err)
				}
			}

			var env map[string]string
			if standalone {
				lite := config.LoadLiteConfig()
				env = map[string]string{
					"SBS_DATA_DIR":       lite.DataDir,
					"SBS_REFERENCE_FILE": lite.ReferenceFile,
					"SBS_KEYSTORE_DIR":   lite.KeystoreDir,
				}
			}
			entry := setup.EntryFor(binary, cfgFile, env)
			if standalone {
				entry.Args = append(entry.Args, "--standalone")
			}
			if err := setup.Register(path, name, entry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %q in %s\n", name, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientConfig, "client-config", "", "agent configuration file (default: platform location)")
	cmd.Flags().StringVar(&name, "name", setup.DefaultServerName, "server name in the agent configuration")
	cmd.Flags().StringVar(&binary, "binary", "", "path to sbsctl (default: this executable)")
	return cmd
}

func mcpUnregisterCmd() *cobra.Command {
	var (
		clientConfig string
		name         string
	)

	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Remove this server from a desktop agent's MCP configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := clientConfigPath(clientConfig)
			if err != nil {
				return err
			}
			removed, err := setup.Unregister(path, name)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%q is not registered in %s\n", name, path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %q from %s\n", name, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientConfig, "client-config", "", "agent configuration file (default: platform location)")
	cmd.Flags().StringVar(&name, "name", setup.DefaultServerName, "server name in the agent configuration")
	return cmd
}

func clientConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return setup.DefaultClientConfigPath()
}
