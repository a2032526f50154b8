package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information (injected at compile time via ldflags)
var Version = "dev"

const defaultGatewayHTTP = "http://localhost:1996"

var (
	gatewayAddr string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Remote task delegation orchestrator",
	Long: BrandStyle.Render("handoff") + ` - Remote task delegation orchestrator

Delegate filesystem-touching tasks to ephemeral sandboxes and collect
their results without giving the calling agent loop direct access.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		SetJSONOutput(jsonOutput)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("  %s version %s\n", BrandStyle.Render("handoff"), Version))

	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "gateway", getEnv("HANDOFF_GATEWAY", defaultGatewayHTTP), "Gateway HTTP address")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
