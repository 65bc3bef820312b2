package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// policyFile is the on-disk shape genpolicy writes: a subject-scoped
// permissions document plus the rules an internal/access.Plugin
// interprets. internal/qeopolicy.Document treats the rules payload as
// opaque bytes, so this schema is this command's own convention, not
// a format the core itself parses.
type policyFile struct {
	Subject string       `json:"subject"`
	Version int64        `json:"version"`
	Rules   []policyRule `json:"rules"`
}

type policyRule struct {
	Topic      string   `json:"topic"`
	Partitions []string `json:"partitions,omitempty"`
	Publish    bool     `json:"publish"`
	Subscribe  bool     `json:"subscribe"`
}

var genpolicyCmd = &cobra.Command{
	Use:   "genpolicy",
	Short: "Write a permissions document as a JSON file",
	Long: `genpolicy is an operator helper that assembles a subject's
permissions document (topic/partition/publish/subscribe rules plus a
policy version) into a JSON file, rather than requiring one to be
hand-written. Nothing in this module reads that file back:
internal/qeopolicy.Store only holds documents registered in memory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := cmd.Flags().GetString("subject")
		if err != nil {
			return err
		}
		if subject == "" {
			return fmt.Errorf("genpolicy: --subject is required")
		}
		version, err := cmd.Flags().GetInt64("version")
		if err != nil {
			return err
		}
		out, err := cmd.Flags().GetString("out")
		if err != nil {
			return err
		}
		if out == "" {
			return fmt.Errorf("genpolicy: --out is required")
		}
		topic, err := cmd.Flags().GetString("topic")
		if err != nil {
			return err
		}
		partitions, err := cmd.Flags().GetStringSlice("partition")
		if err != nil {
			return err
		}
		publish, err := cmd.Flags().GetBool("publish")
		if err != nil {
			return err
		}
		subscribe, err := cmd.Flags().GetBool("subscribe")
		if err != nil {
			return err
		}

		doc := policyFile{Subject: subject, Version: version}
		if topic != "" {
			doc.Rules = append(doc.Rules, policyRule{
				Topic:      topic,
				Partitions: partitions,
				Publish:    publish,
				Subscribe:  subscribe,
			})
		}

		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("genpolicy: encoding document: %w", err)
		}
		if err := os.WriteFile(out, b, 0o644); err != nil {
			return fmt.Errorf("genpolicy: writing %s: %w", out, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote permissions document for %q (version %d) to %s\n", subject, version, out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genpolicyCmd)
	genpolicyCmd.Flags().String("subject", "", "Subject the permissions document governs")
	genpolicyCmd.Flags().Int64("version", 1, "Policy revision to stamp on the document")
	genpolicyCmd.Flags().String("out", "", "Pathname to write the permissions document to")
	genpolicyCmd.Flags().String("topic", "", "Topic name of an initial access-control rule")
	genpolicyCmd.Flags().StringSlice("partition", nil, "Partitions the rule applies to")
	genpolicyCmd.Flags().Bool("publish", false, "Whether the rule grants publish access to the topic")
	genpolicyCmd.Flags().Bool("subscribe", false, "Whether the rule grants subscribe access to the topic")
}
