package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mhartmann/aiw/internal/output"
	"github.com/mhartmann/aiw/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize a new aiw workspace",
	Long:    `Creates the local .aiw directory and SQLite workspace database.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		if _, err := os.Stat(filepath.Join(baseDir, ".aiw")); err == nil {
			output.Warning(".aiw/ already exists")
			return nil
		}

		st, err := store.Initialize(baseDir)
		if err != nil {
			output.Error("failed to initialize workspace: %v", err)
			return err
		}
		defer st.Close()

		fmt.Println("INITIALIZED .aiw/")
		output.Info("Run 'aiw link <workspace-id>' to connect this workspace to a sync server.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
