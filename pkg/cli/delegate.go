package cli

import (
	"fmt"
	"strings"

	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/spf13/cobra"
)

var (
	delegateContext        string
	delegateToolCallID     string
	delegateMode           string
	delegateRepo           string
	delegateBranch         string
	delegateInstallationID int64
	delegateVaultOwner     string
	delegateVaultRepo      string
	delegateInstanceID     string
	delegateWorkDir        string
)

var delegateCmd = &cobra.Command{
	Use:   "delegate <task>",
	Short: "Run a task in an ephemeral sandbox",
	Long:  `Delegate a task to a fresh (or existing) sandbox and wait for the result.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDelegate(strings.Join(args, " "))
	},
}

func init() {
	delegateCmd.Flags().StringVar(&delegateContext, "context", "", "Additional context for the task")
	delegateCmd.Flags().StringVar(&delegateToolCallID, "tool-call-id", "", "Tool call id linking this delegation to an agent loop")
	delegateCmd.Flags().StringVar(&delegateMode, "mode", "code", "Agent mode (code, browser, review)")
	delegateCmd.Flags().StringVar(&delegateRepo, "repo", "", "HTTPS clone URL checked out before dispatch")
	delegateCmd.Flags().StringVar(&delegateBranch, "branch", "", "Branch to check out (defaults to the repo default)")
	delegateCmd.Flags().Int64Var(&delegateInstallationID, "installation-id", 0, "Source-host app installation id for authenticated clones")
	delegateCmd.Flags().StringVar(&delegateVaultOwner, "vault-owner", "", "Vault owner id for secret env var injection")
	delegateCmd.Flags().StringVar(&delegateVaultRepo, "vault-repo", "", "Vault repo id for secret env var injection")
	delegateCmd.Flags().StringVar(&delegateInstanceID, "instance", "", "Attach to a running sandbox instance instead of spawning one")
	delegateCmd.Flags().StringVar(&delegateWorkDir, "workdir", "", "Override the in-sandbox working directory")

	rootCmd.AddCommand(delegateCmd)
}

func runDelegate(task string) error {
	req := &types.DelegationRequest{
		Task:               task,
		Context:            delegateContext,
		ToolCallID:         delegateToolCallID,
		AgentMode:          types.AgentMode(delegateMode),
		ExistingInstanceID: delegateInstanceID,
		WorkingDirectory:   delegateWorkDir,
	}
	if delegateRepo != "" {
		req.Repo = &types.RepoCloneSpec{
			RemoteURL:      delegateRepo,
			Branch:         delegateBranch,
			InstallationID: delegateInstallationID,
			VaultOwnerID:   delegateVaultOwner,
			VaultRepoID:    delegateVaultRepo,
		}
	}

	result, err := newGatewayClient().delegate(req)
	if err != nil {
		return err
	}

	if PrintJSON(result) {
		return nil
	}

	if !result.Success {
		PrintErrorMsg("Delegation failed")
		if result.SessionID != "" {
			PrintKeyValue("Session", result.SessionID)
		}
		if result.InstanceID != "" {
			PrintKeyValue("Instance", result.InstanceID)
		}
		if result.VisualDebugURL != "" {
			PrintKeyValue("Debug", result.VisualDebugURL)
		}
		return fmt.Errorf("%s", result.Error)
	}

	PrintSuccess("Delegation completed")
	PrintKeyValue("Session", result.SessionID)
	PrintKeyValue("Instance", result.InstanceID)
	if result.VisualDebugURL != "" {
		PrintKeyValue("Debug", result.VisualDebugURL)
	}
	PrintKeyValue("Tokens", fmt.Sprintf("%d in / %d out", result.Tokens.Input, result.Tokens.Output))
	PrintKeyValue("Cost", fmt.Sprintf("$%.4f", result.Cost))
	if len(result.ToolsUsed) > 0 {
		PrintKeyValue("Tools", strings.Join(result.ToolsUsed, ", "))
	}
	fmt.Println()
	fmt.Println(result.Response)
	return nil
}
