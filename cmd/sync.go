package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mhartmann/aiw/internal/output"
	"github.com/mhartmann/aiw/internal/store"
	"github.com/mhartmann/aiw/internal/sync"
	"github.com/mhartmann/aiw/internal/syncclient"
	"github.com/mhartmann/aiw/internal/syncconfig"
	"github.com/spf13/cobra"
)

// buildCoordinator wires the store, credentials, and HTTP transport into
// a sync coordinator. Fails when the workspace is unlinked or no API key
// is configured.
func buildCoordinator(st *store.Store) (*sync.Coordinator, error) {
	cur, err := st.GetCursor()
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("workspace not linked; run 'aiw link' first")
	}
	if !syncconfig.IsAuthenticated() {
		return nil, fmt.Errorf("not authenticated; run 'aiw auth login' first")
	}

	clientID, err := syncconfig.GetClientID()
	if err != nil {
		return nil, err
	}

	client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), clientID, cur.WorkspaceID)

	logLevel := slog.LevelWarn
	if os.Getenv("AIW_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	return sync.NewCoordinator(st, client, clientID, log), nil
}

// maybeAutoSync runs a best-effort background sync after a local
// mutation. Failures never fail the command that triggered it.
func maybeAutoSync(st *store.Store) {
	if !syncconfig.GetAutoSyncEnabled() || !syncconfig.IsAuthenticated() {
		return
	}
	cur, err := st.GetCursor()
	if err != nil || cur == nil {
		return
	}

	coord, err := buildCoordinator(st)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rep, err := coord.TrySync(ctx)
	if err != nil {
		if !errors.Is(err, sync.ErrCycleInFlight) {
			output.Warning("auto-sync failed: %v (changes stay queued)", err)
		}
		return
	}
	if rep.Parked > 0 {
		output.Warning("%d conflict(s) parked; run 'aiw conflicts'", rep.Parked)
	}
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Sync the workspace with the server",
	Long:    `Runs one full sync cycle: pull remote changes, apply them through the conflict resolver, push pending local changes, and reconcile any rejected pushes.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		coord, err := buildCoordinator(st)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		rep, err := coord.Sync(cmd.Context())
		if err != nil {
			output.Error("sync failed: %v", err)
			return err
		}

		output.Success("Synced: %s", output.SyncReportLine(rep.Applied, rep.Pushed, rep.Requeued, rep.Parked))
		if rep.Parked > 0 {
			output.Warning("run 'aiw conflicts' to resolve")
		}
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		cur, err := st.GetCursor()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if cur == nil {
			output.Info("Not linked. Run 'aiw link <workspace-id>' to connect.")
			return nil
		}

		pending, err := st.CountPending()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		conflicts, err := st.ListConflicts()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Info("Workspace:  %s", cur.WorkspaceID)
		output.Info("Cursor:     %d", cur.LastAppliedServerSeq)
		output.Info("Pending:    %d change(s)", pending)
		if len(conflicts) > 0 {
			output.Warning("Conflicts:  %d parked", len(conflicts))
		}
		if cur.LastSyncAt != nil {
			output.Info("Last sync:  %s", output.FormatTimeAgo(*cur.LastSyncAt))
		}

		if syncconfig.IsAuthenticated() {
			if client := newStatusClient(cur.WorkspaceID); client != nil {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				if status, err := client.Status(ctx); err == nil {
					output.Info("Server:     seq %d, %d change(s) total", status.LastServerSeq, status.ChangeCount)
				}
			}
		}
		return nil
	},
}

// newStatusClient builds a client for read-only status calls, or nil
// when credentials are missing.
func newStatusClient(workspaceID string) *syncclient.Client {
	if !syncconfig.IsAuthenticated() {
		return nil
	}
	clientID, err := syncconfig.GetClientID()
	if err != nil {
		return nil
	}
	return syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), clientID, workspaceID)
}

var syncLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recently synced changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.HistoryTail(limit)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if len(entries) == 0 {
			output.Info("No sync history.")
			return nil
		}

		for _, e := range entries {
			arrow := "<-"
			if e.Direction == "push" {
				arrow = "->"
			}
			fmt.Printf("%s  %s %s %-6s %-8s %s (seq %d)\n",
				e.Timestamp.Format("2006-01-02 15:04"),
				arrow, e.Direction, e.Operation, e.EntityType, e.EntityID, e.ServerSeq)
		}
		return nil
	},
}

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync continuously on an interval",
	Long:  `Polls for pending local changes and remote updates, syncing on the configured interval. Bursts of local edits are debounced into one push.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		coord, err := buildCoordinator(st)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		interval := syncconfig.GetAutoSyncInterval()
		debounce := syncconfig.GetAutoSyncDebounce()
		output.Info("Watching (interval %s). Ctrl+C to stop.", interval)

		ctx := cmd.Context()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			pending, err := st.CountPending()
			if err == nil && pending > 0 {
				// Let a burst of edits settle before pushing.
				select {
				case <-time.After(debounce):
				case <-ctx.Done():
					return nil
				}
			}

			rep, err := coord.Sync(ctx)
			switch {
			case err == nil:
				if rep.Applied > 0 || rep.Pushed > 0 {
					output.Info("%s  %s", time.Now().Format("15:04:05"),
						output.SyncReportLine(rep.Applied, rep.Pushed, rep.Requeued, rep.Parked))
				}
			case errors.Is(err, context.Canceled):
				return nil
			default:
				output.Warning("sync failed: %v", err)
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func init() {
	syncLogCmd.Flags().Int("limit", 20, "number of entries to show")

	syncCmd.AddCommand(syncStatusCmd, syncLogCmd, syncWatchCmd)
	rootCmd.AddCommand(syncCmd)
}
