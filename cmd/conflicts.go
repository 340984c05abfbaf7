package cmd

import (
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/mhartmann/aiw/internal/output"
	"github.com/mhartmann/aiw/internal/store"
	conflictstui "github.com/mhartmann/aiw/internal/tui/conflicts"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List and resolve parked sync conflicts",
	Long:    `Conflicts park when a concurrent edit cannot be merged or rebased automatically. Parked entities keep their local state and stop pushing until resolved or dismissed.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if useTUI, _ := cmd.Flags().GetBool("tui"); useTUI {
			p := tea.NewProgram(conflictstui.NewModel(st), tea.WithAltScreen())
			_, err := p.Run()
			return err
		}

		conflicts, err := st.ListConflicts()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			output.Info("No parked conflicts.")
			return nil
		}
		for _, c := range conflicts {
			fmt.Println(output.ConflictLine(c.EntityID, c.EntityType, c.Kind, c.ParkedAt))
		}
		output.Info("\nRun 'aiw conflicts show <id>' or 'aiw conflicts resolve <id>'.")
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		c, err := st.GetConflict(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if c == nil {
			output.Error("no parked conflict for %s", args[0])
			return fmt.Errorf("not found")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(c)
		}

		fmt.Println(output.ConflictLine(c.EntityID, c.EntityType, c.Kind, c.ParkedAt))
		fmt.Printf("base version %d, remote version %d\n", c.BaseVersion, c.RemoteVersion)
		fmt.Print(output.SectionHeader("local"))
		fmt.Println(output.IndentString(prettyPayload(c.LocalPayload), 2))
		fmt.Print(output.SectionHeader("remote"))
		fmt.Println(output.IndentString(prettyPayload(c.RemotePayload), 2))
		if c.Kind == store.ConflictEditAfterDelete {
			output.Warning("\nDeleted remotely: this conflict can only be dismissed.")
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict by choosing a side",
	Long:  `Adopts the chosen payload at the remote version and queues it as a fresh change so other clients converge on the decision. Use --local/--remote, or answer the prompt.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		c, err := st.GetConflict(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if c == nil {
			output.Error("no parked conflict for %s", args[0])
			return fmt.Errorf("not found")
		}
		if c.Kind == store.ConflictEditAfterDelete {
			output.Error("%s was deleted remotely; use 'aiw conflicts dismiss %s'", c.EntityID, c.EntityID)
			return fmt.Errorf("edit-after-delete")
		}

		useLocal, _ := cmd.Flags().GetBool("local")
		useRemote, _ := cmd.Flags().GetBool("remote")
		if useLocal && useRemote {
			output.Error("--local and --remote are mutually exclusive")
			return fmt.Errorf("conflicting flags")
		}

		var side string
		switch {
		case useLocal:
			side = "local"
		case useRemote:
			side = "remote"
		default:
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title(fmt.Sprintf("Resolve %s (%s)", c.EntityID, c.Kind)).
					Description("Which version should win?").
					Options(
						huh.NewOption("Keep local:  "+summarize(c.LocalPayload), "local"),
						huh.NewOption("Keep remote: "+summarize(c.RemotePayload), "remote"),
					).
					Value(&side),
			))
			if err := form.Run(); err != nil {
				return err
			}
		}

		chosen := c.LocalPayload
		if side == "remote" {
			chosen = c.RemotePayload
		}
		if err := st.ResolveConflict(c.EntityID, chosen); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Resolved %s with the %s version", c.EntityID, side)
		maybeAutoSync(st)
		return nil
	},
}

var conflictsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Drop a parked conflict without producing new state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DismissConflict(args[0]); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Dismissed conflict for %s", args[0])
		return nil
	},
}

// prettyPayload indents a JSON payload for display.
func prettyPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(deleted)"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}

// summarize produces a short one-line preview of a payload for prompts.
func summarize(raw json.RawMessage) string {
	const max = 60
	s := string(raw)
	if len(s) == 0 {
		s = "(deleted)"
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

func init() {
	conflictsCmd.Flags().Bool("tui", false, "browse conflicts interactively")
	conflictsCmd.Flags().Bool("json", false, "output as JSON")

	conflictsShowCmd.Flags().Bool("json", false, "output as JSON")

	conflictsResolveCmd.Flags().Bool("local", false, "keep the local version")
	conflictsResolveCmd.Flags().Bool("remote", false, "keep the remote version")

	conflictsCmd.AddCommand(conflictsShowCmd, conflictsResolveCmd, conflictsDismissCmd)
	rootCmd.AddCommand(conflictsCmd)
}
