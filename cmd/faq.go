package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/mhartmann/aiw/internal/models"
	"github.com/mhartmann/aiw/internal/output"
	"github.com/spf13/cobra"
)

var faqCmd = &cobra.Command{
	Use:     "faq",
	Short:   "Manage FAQ entries",
	GroupID: "core",
}

var faqAddCmd = &cobra.Command{
	Use:     "add <question> <answer>",
	Aliases: []string{"create", "new"},
	Short:   "Add a FAQ entry",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		key, _ := cmd.Flags().GetString("key")
		category, _ := cmd.Flags().GetString("category")
		tags, _ := cmd.Flags().GetString("tags")

		entry := models.FaqEntry{
			Key:      key,
			Category: category,
			Question: args[0],
			Answer:   args[1],
			Tags:     models.ParseList(tags),
		}
		payload, err := models.MarshalPayload(entry)
		if err != nil {
			return err
		}

		id, err := newEntityID("fq")
		if err != nil {
			return err
		}
		if _, err := st.RecordChange("create", "faq", id, nil, payload); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Created %s", id)
		maybeAutoSync(st)
		return nil
	},
}

var faqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List FAQ entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entities, err := st.ListByType("faq")
		if err != nil {
			output.Error("%v", err)
			return err
		}

		category, _ := cmd.Flags().GetString("category")
		asJSON, _ := cmd.Flags().GetBool("json")

		var entries []models.FaqEntry
		for _, e := range entities {
			var f models.FaqEntry
			if err := json.Unmarshal(e.Payload, &f); err != nil {
				continue
			}
			if category != "" && f.Category != category {
				continue
			}
			f.EntityID = e.EntityID
			f.UpdatedAt = e.UpdatedAt
			entries = append(entries, f)
		}

		if asJSON {
			return output.JSON(entries)
		}
		if len(entries) == 0 {
			output.Info("No FAQ entries.")
			return nil
		}
		for i := range entries {
			fmt.Println(output.FormatFaqShort(&entries[i]))
		}
		return nil
	},
}

var faqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one FAQ entry with rendered answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		e, err := st.Get(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if e == nil || e.Deleted {
			output.Error("FAQ entry not found: %s", args[0])
			return fmt.Errorf("not found")
		}

		var f models.FaqEntry
		if err := json.Unmarshal(e.Payload, &f); err != nil {
			output.Error("%v", err)
			return err
		}
		f.EntityID = e.EntityID

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(f)
		}

		fmt.Println(output.FormatFaqShort(&f))
		rendered, err := output.RenderMarkdown(f.Answer)
		if err != nil {
			fmt.Println(f.Answer)
			return nil
		}
		fmt.Println(rendered)
		return nil
	},
}

var faqUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update FAQ fields",
	Long:  `Updates only the fields named by flags. Concurrent FAQ edits from different clients merge field by field; concurrent tag edits union.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		delta := map[string]any{}
		var mask []string
		for _, f := range []string{"key", "category", "question", "answer"} {
			if cmd.Flags().Changed(f) {
				v, _ := cmd.Flags().GetString(f)
				delta[f] = v
				mask = append(mask, f)
			}
		}
		if cmd.Flags().Changed("tags") {
			v, _ := cmd.Flags().GetString("tags")
			delta["tags"] = models.ParseList(v)
			mask = append(mask, "tags")
		}
		if len(mask) == 0 {
			output.Error("nothing to update; pass at least one field flag")
			return fmt.Errorf("no fields")
		}

		payload, err := json.Marshal(delta)
		if err != nil {
			return err
		}
		if _, err := st.RecordChange("update", "faq", args[0], mask, payload); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Updated %s (%d field(s))", args[0], len(mask))
		maybeAutoSync(st)
		return nil
	},
}

var faqRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm", "delete"},
	Short:   "Remove a FAQ entry",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if _, err := st.RecordChange("delete", "faq", args[0], nil, nil); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Removed %s", args[0])
		maybeAutoSync(st)
		return nil
	},
}

func init() {
	faqAddCmd.Flags().String("key", "", "stable lookup key")
	faqAddCmd.Flags().String("category", "", "category")
	faqAddCmd.Flags().String("tags", "", "comma-separated tags")

	faqListCmd.Flags().String("category", "", "filter by category")
	faqListCmd.Flags().Bool("json", false, "output as JSON")

	faqShowCmd.Flags().Bool("json", false, "output as JSON")

	faqUpdateCmd.Flags().String("key", "", "new lookup key")
	faqUpdateCmd.Flags().String("category", "", "new category")
	faqUpdateCmd.Flags().String("question", "", "new question")
	faqUpdateCmd.Flags().String("answer", "", "new answer")
	faqUpdateCmd.Flags().String("tags", "", "comma-separated tags")

	faqCmd.AddCommand(faqAddCmd, faqListCmd, faqShowCmd, faqUpdateCmd, faqRemoveCmd)
	rootCmd.AddCommand(faqCmd)
}
