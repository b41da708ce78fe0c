package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/branchbox/branchbox/internal/client"
)

func NewRoot(version string) *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "branchbox",
		Short:         "branchbox: ephemeral branch workspaces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("branchbox {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfg.serverAddr, "server", getenvDefault("BRANCHBOX_SERVER", "http://127.0.0.1:8080"), "branchbox server base URL")
	cmd.PersistentFlags().StringVar(&cfg.apiKey, "api-key", getenvDefault("BRANCHBOX_API_KEY", ""), "API key (sent as X-API-Key)")

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newRepoCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newKubeCmd())

	return cmd
}

type clientConfig struct {
	serverAddr string
	apiKey     string
}

func getClientConfig(cmd *cobra.Command) *clientConfig {
	serverAddr, _ := cmd.Root().PersistentFlags().GetString("server")
	apiKey, _ := cmd.Root().PersistentFlags().GetString("api-key")
	if serverAddr == "" {
		serverAddr = "http://127.0.0.1:8080"
	}
	return &clientConfig{serverAddr: serverAddr, apiKey: apiKey}
}

func apiClient(cmd *cobra.Command) *client.Client {
	cfg := getClientConfig(cmd)
	return client.New(cfg.serverAddr, cfg.apiKey)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
