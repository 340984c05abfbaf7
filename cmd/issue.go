package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/mhartmann/aiw/internal/models"
	"github.com/mhartmann/aiw/internal/output"
	"github.com/mhartmann/aiw/internal/store"
	"github.com/spf13/cobra"
)

var issueCmd = &cobra.Command{
	Use:     "issue",
	Aliases: []string{"issues", "is"},
	Short:   "Manage issues",
	GroupID: "core",
}

var issueCreateCmd = &cobra.Command{
	Use:     "create <title>",
	Aliases: []string{"add", "new"},
	Short:   "Create a new issue",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		priority, _ := cmd.Flags().GetString("priority")
		project, _ := cmd.Flags().GetString("project")
		body, _ := cmd.Flags().GetString("body")
		labels, _ := cmd.Flags().GetString("labels")

		issue := models.Issue{
			ProjectID: project,
			Title:     args[0],
			Body:      body,
			Status:    models.StatusOpen,
			Priority:  models.Priority(priority),
			Labels:    models.ParseList(labels),
		}
		payload, err := models.MarshalPayload(issue)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		id, err := newEntityID("is")
		if err != nil {
			return err
		}
		if _, err := st.RecordChange("create", "issues", id, nil, payload); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Created %s", id)
		maybeAutoSync(st)
		return nil
	},
}

var issueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entities, err := st.ListByType("issues")
		if err != nil {
			output.Error("%v", err)
			return err
		}

		project, _ := cmd.Flags().GetString("project")
		status, _ := cmd.Flags().GetString("status")
		asJSON, _ := cmd.Flags().GetBool("json")

		var issues []models.Issue
		for _, e := range entities {
			issue, err := decodeIssue(&e)
			if err != nil {
				continue
			}
			if project != "" && issue.ProjectID != project {
				continue
			}
			if status != "" && string(issue.Status) != status {
				continue
			}
			issues = append(issues, *issue)
		}

		if asJSON {
			return output.JSON(issues)
		}
		if len(issues) == 0 {
			output.Info("No issues.")
			return nil
		}
		for i := range issues {
			fmt.Println(output.FormatIssueShort(&issues[i]))
		}
		return nil
	},
}

var issueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		issue, err := getIssue(st, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(issue)
		}
		fmt.Println(output.FormatIssueLong(issue))
		return nil
	},
}

var issueUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update issue fields",
	Long:  `Updates only the fields named by flags. The change carries a field mask so concurrent edits to other fields merge instead of conflicting.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		delta := map[string]any{}
		var mask []string
		if cmd.Flags().Changed("title") {
			v, _ := cmd.Flags().GetString("title")
			delta["title"] = v
			mask = append(mask, "title")
		}
		if cmd.Flags().Changed("body") {
			v, _ := cmd.Flags().GetString("body")
			delta["body"] = v
			mask = append(mask, "body")
		}
		if cmd.Flags().Changed("status") {
			v, _ := cmd.Flags().GetString("status")
			delta["status"] = v
			mask = append(mask, "status")
		}
		if cmd.Flags().Changed("priority") {
			v, _ := cmd.Flags().GetString("priority")
			delta["priority"] = v
			mask = append(mask, "priority")
		}
		if cmd.Flags().Changed("labels") {
			v, _ := cmd.Flags().GetString("labels")
			delta["labels"] = models.ParseList(v)
			mask = append(mask, "labels")
		}
		if len(mask) == 0 {
			output.Error("nothing to update; pass at least one field flag")
			return fmt.Errorf("no fields")
		}

		payload, err := json.Marshal(delta)
		if err != nil {
			return err
		}
		if _, err := st.RecordChange("update", "issues", args[0], mask, payload); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Updated %s (%d field(s))", args[0], len(mask))
		maybeAutoSync(st)
		return nil
	},
}

var issueCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		payload := json.RawMessage(`{"status":"closed"}`)
		if _, err := st.RecordChange("update", "issues", args[0], []string{"status"}, payload); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Closed %s", args[0])
		maybeAutoSync(st)
		return nil
	},
}

var issueDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete an issue",
	Long:    `Tombstones the issue locally and propagates the delete on the next sync. Deletes win over concurrent edits from other clients.`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if _, err := st.RecordChange("delete", "issues", args[0], nil, nil); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Deleted %s", args[0])
		maybeAutoSync(st)
		return nil
	},
}

// decodeIssue unmarshals an entity payload into an Issue.
func decodeIssue(e *store.Entity) (*models.Issue, error) {
	var issue models.Issue
	if err := json.Unmarshal(e.Payload, &issue); err != nil {
		return nil, fmt.Errorf("decode issue %s: %w", e.EntityID, err)
	}
	issue.EntityID = e.EntityID
	issue.UpdatedAt = e.UpdatedAt
	return &issue, nil
}

func getIssue(st *store.Store, id string) (*models.Issue, error) {
	e, err := st.Get(id)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Deleted {
		return nil, fmt.Errorf("issue not found: %s", id)
	}
	return decodeIssue(e)
}

func init() {
	issueCreateCmd.Flags().String("project", "", "project entity ID")
	issueCreateCmd.Flags().String("priority", string(models.PriorityP2), "priority (P0-P3)")
	issueCreateCmd.Flags().String("body", "", "issue body")
	issueCreateCmd.Flags().String("labels", "", "comma-separated labels")

	issueListCmd.Flags().String("project", "", "filter by project")
	issueListCmd.Flags().String("status", "", "filter by status")
	issueListCmd.Flags().Bool("json", false, "output as JSON")

	issueShowCmd.Flags().Bool("json", false, "output as JSON")

	issueUpdateCmd.Flags().String("title", "", "new title")
	issueUpdateCmd.Flags().String("body", "", "new body")
	issueUpdateCmd.Flags().String("status", "", "new status")
	issueUpdateCmd.Flags().String("priority", "", "new priority")
	issueUpdateCmd.Flags().String("labels", "", "comma-separated labels")

	issueCmd.AddCommand(issueCreateCmd, issueListCmd, issueShowCmd, issueUpdateCmd, issueCloseCmd, issueDeleteCmd)
	rootCmd.AddCommand(issueCmd)
}
