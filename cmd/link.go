package cmd

import (
	"fmt"

	"github.com/mhartmann/aiw/internal/output"
	"github.com/mhartmann/aiw/internal/store"
	"github.com/spf13/cobra"
)

// openStore opens the workspace database in the current directory.
func openStore() (*store.Store, error) {
	st, err := store.Open(getBaseDir())
	if err != nil {
		output.Error("%v", err)
		return nil, err
	}
	return st, nil
}

var linkCmd = &cobra.Command{
	Use:     "link <workspace-id>",
	Short:   "Link this workspace to a sync server workspace",
	Long:    `Binds the local workspace to a server-side workspace ID so 'aiw sync' knows where changes belong. The pull cursor starts at zero; the first sync downloads the full change log.`,
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
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
		if cur != nil && cur.WorkspaceID != args[0] {
			output.Error("already linked to %s; run 'aiw unlink' first", cur.WorkspaceID)
			return fmt.Errorf("already linked")
		}

		if err := st.LinkWorkspace(args[0]); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Linked to workspace %s", args[0])
		return nil
	},
}

var unlinkCmd = &cobra.Command{
	Use:     "unlink",
	Short:   "Disconnect this workspace from its sync server workspace",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		pending, err := st.CountPending()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if pending > 0 {
			output.Warning("%d unpushed change(s) will stay local", pending)
		}

		if err := st.UnlinkWorkspace(); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Unlinked workspace")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(unlinkCmd)
}
