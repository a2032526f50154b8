package cli

import (
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect delegation sessions",
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get a delegation session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getSession(args[0])
	},
}

func init() {
	sessionCmd.AddCommand(sessionGetCmd)
	rootCmd.AddCommand(sessionCmd)
}

func getSession(sessionID string) error {
	session, err := newGatewayClient().getSession(sessionID)
	if err != nil {
		return err
	}

	if PrintJSON(session) {
		return nil
	}

	PrintKeyValue("Session", session.ExternalId)
	PrintKeyValue("Status", string(session.Status))
	PrintKeyValue("Stage", string(session.Stage))
	if session.Message != "" {
		PrintKeyValue("Message", session.Message)
	}
	if session.InstanceID != "" {
		PrintKeyValue("Instance", session.InstanceID)
	}
	PrintKeyValue("Task", session.Task)
	PrintKeyValue("Created", session.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}
