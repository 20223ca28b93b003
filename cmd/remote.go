package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-gate/internal/config"
	"github.com/kozaktomas/face-gate/internal/remote"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Inspect the remote user directory",
	Long:  "Fetch data from the sync endpoints without changing any local state.",
}

var remoteUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users returned by the initial sync endpoint",
	RunE:  runRemoteUsers,
}

var remoteChangesCmd = &cobra.Command{
	Use:   "changes",
	Short: "List pending changes returned by the update endpoint",
	Long: `List pending changes returned by the update endpoint.

Note that the remote server may consider changes delivered once they have
been fetched, a running gate will then not see them.`,
	RunE: runRemoteChanges,
}

func init() {
	rootCmd.AddCommand(remoteCmd)
	remoteCmd.AddCommand(remoteUsersCmd)
	remoteCmd.AddCommand(remoteChangesCmd)

	remoteUsersCmd.Flags().String("url", "", "Endpoint URL (overrides SYNC_INIT_URL)")
	remoteUsersCmd.Flags().Bool("json", false, "Output as JSON")
	remoteChangesCmd.Flags().String("url", "", "Endpoint URL (overrides SYNC_UPDATE_URL)")
	remoteChangesCmd.Flags().Bool("json", false, "Output as JSON")
}

type remoteUserOutput struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Dimensions int    `json:"embedding_dimensions"`
}

type remoteChangeOutput struct {
	Action string            `json:"action"`
	UserID int               `json:"user_id"`
	User   *remoteUserOutput `json:"user,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func resolveEndpoint(cmd *cobra.Command, fallback, envName string) (string, error) {
	if url := mustGetString(cmd, "url"); url != "" {
		return url, nil
	}
	if fallback == "" {
		return "", fmt.Errorf("%s environment variable or --url is required", envName)
	}
	return fallback, nil
}

func runRemoteUsers(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	endpoint, err := resolveEndpoint(cmd, cfg.Remote.InitURL, "SYNC_INIT_URL")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	remoteUsers, err := remote.NewClient(cfg.Remote.HTTPTimeout).FetchInitialUsers(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("fetching remote users: %w", err)
	}

	out := make([]remoteUserOutput, 0, len(remoteUsers))
	for _, u := range remoteUsers {
		out = append(out, remoteUserOutput{ID: u.ID, Name: u.Name, Dimensions: len(u.Embedding)})
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(out)
	}

	fmt.Printf("Remote users: %d\n", len(out))
	for _, u := range out {
		fmt.Printf("  %6d  %s (%d dims)\n", u.ID, u.Name, u.Dimensions)
	}
	return nil
}

func runRemoteChanges(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	endpoint, err := resolveEndpoint(cmd, cfg.Remote.UpdateURL, "SYNC_UPDATE_URL")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	changes, err := remote.NewClient(cfg.Remote.HTTPTimeout).FetchChanges(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("fetching remote changes: %w", err)
	}

	out := make([]remoteChangeOutput, 0, len(changes))
	for _, c := range changes {
		entry := remoteChangeOutput{Action: c.Action, UserID: c.UserID}
		if c.User != nil {
			entry.User = &remoteUserOutput{ID: c.User.ID, Name: c.User.Name, Dimensions: len(c.User.Embedding)}
		}
		if c.Err != nil {
			entry.Error = c.Err.Error()
		}
		out = append(out, entry)
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(out)
	}

	if len(out) == 0 {
		fmt.Println("No pending changes")
		return nil
	}
	fmt.Printf("Pending changes: %d\n", len(out))
	for _, c := range out {
		line := fmt.Sprintf("  %-6s %6d", c.Action, c.UserID)
		if c.User != nil {
			line += "  " + c.User.Name
		}
		if c.Error != "" {
			line += "  (invalid: " + c.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}
