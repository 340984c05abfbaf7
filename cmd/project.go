package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/mhartmann/aiw/internal/models"
	"github.com/mhartmann/aiw/internal/output"
	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"projects", "pr"},
	Short:   "Manage projects",
	GroupID: "core",
}

var projectCreateCmd = &cobra.Command{
	Use:     "create <name>",
	Aliases: []string{"add", "new"},
	Short:   "Create a new project",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		path, _ := cmd.Flags().GetString("path")
		description, _ := cmd.Flags().GetString("description")

		project := models.Project{
			Name:        args[0],
			Path:        path,
			Description: description,
			Status:      "active",
		}
		payload, err := models.MarshalPayload(project)
		if err != nil {
			return err
		}

		id, err := newEntityID("pr")
		if err != nil {
			return err
		}
		if _, err := st.RecordChange("create", "projects", id, nil, payload); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Created %s", id)
		maybeAutoSync(st)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entities, err := st.ListByType("projects")
		if err != nil {
			output.Error("%v", err)
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		var projects []models.Project
		for _, e := range entities {
			var p models.Project
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				continue
			}
			p.EntityID = e.EntityID
			p.UpdatedAt = e.UpdatedAt
			projects = append(projects, p)
		}

		if asJSON {
			return output.JSON(projects)
		}
		if len(projects) == 0 {
			output.Info("No projects.")
			return nil
		}
		for i := range projects {
			fmt.Println(output.FormatProjectShort(&projects[i]))
		}
		return nil
	},
}

var projectUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update project fields",
	Long:  `Projects never auto-merge: a concurrent edit from another client parks the change for manual resolution via 'aiw conflicts'.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		delta := map[string]any{}
		var mask []string
		for _, f := range []string{"name", "path", "description", "status"} {
			if cmd.Flags().Changed(f) {
				v, _ := cmd.Flags().GetString(f)
				delta[f] = v
				mask = append(mask, f)
			}
		}
		if len(mask) == 0 {
			output.Error("nothing to update; pass at least one field flag")
			return fmt.Errorf("no fields")
		}

		payload, err := json.Marshal(delta)
		if err != nil {
			return err
		}
		if _, err := st.RecordChange("update", "projects", args[0], mask, payload); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Updated %s (%d field(s))", args[0], len(mask))
		maybeAutoSync(st)
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a project",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if _, err := st.RecordChange("delete", "projects", args[0], nil, nil); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Deleted %s", args[0])
		maybeAutoSync(st)
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().String("path", "", "filesystem path")
	projectCreateCmd.Flags().String("description", "", "project description")

	projectListCmd.Flags().Bool("json", false, "output as JSON")

	projectUpdateCmd.Flags().String("name", "", "new name")
	projectUpdateCmd.Flags().String("path", "", "new path")
	projectUpdateCmd.Flags().String("description", "", "new description")
	projectUpdateCmd.Flags().String("status", "", "new status")

	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectUpdateCmd, projectDeleteCmd)
	rootCmd.AddCommand(projectCmd)
}
