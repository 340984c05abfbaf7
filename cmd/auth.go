package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mhartmann/aiw/internal/output"
	"github.com/mhartmann/aiw/internal/syncclient"
	"github.com/mhartmann/aiw/internal/syncconfig"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage sync server credentials",
	GroupID: "sync",
}

var authLoginCmd = &cobra.Command{
	Use:   "login <api-key>",
	Short: "Store an API key for the sync server",
	Long:  `Saves the API key (and optional server URL) to ~/.config/aiw/auth.json and verifies it against the server's health endpoint.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey := args[0]
		serverURL, _ := cmd.Flags().GetString("server")
		workspaceID, _ := cmd.Flags().GetString("workspace")
		if serverURL == "" {
			serverURL = syncconfig.GetServerURL()
		}

		creds, err := syncconfig.LoadAuth()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if creds == nil {
			creds = &syncconfig.AuthCredentials{}
		}
		creds.APIKey = apiKey
		creds.ServerURL = serverURL
		if workspaceID != "" {
			creds.WorkspaceID = workspaceID
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			output.Error("%v", err)
			return err
		}

		clientID, err := syncconfig.GetClientID()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		// Best-effort reachability check; credentials are saved either way.
		client := syncclient.New(serverURL, apiKey, clientID, creds.WorkspaceID)
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if _, err := client.HealthCheck(ctx); err != nil {
			output.Warning("saved credentials, but %s is unreachable: %v", serverURL, err)
			return nil
		}

		output.Success("Authenticated against %s", serverURL)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Logged out")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Info("Not authenticated. Run 'aiw auth login <api-key>'.")
			return nil
		}

		creds, err := syncconfig.LoadAuth()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Info("Server:    %s", syncconfig.GetServerURL())
		if creds != nil {
			if creds.WorkspaceID != "" {
				output.Info("Workspace: %s", creds.WorkspaceID)
			}
			if creds.ClientID != "" {
				output.Info("Client:    %s", creds.ClientID)
			}
			if creds.APIKey != "" {
				output.Info("API key:   %s", maskKey(creds.APIKey))
			}
		}
		return nil
	},
}

// maskKey shows just enough of a key to identify it.
func maskKey(key string) string {
	if len(key) <= 14 {
		return "****"
	}
	return fmt.Sprintf("%s****%s", key[:10], key[len(key)-4:])
}

func init() {
	authLoginCmd.Flags().String("server", "", "sync server URL")
	authLoginCmd.Flags().String("workspace", "", "default workspace ID")

	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
