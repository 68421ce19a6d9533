package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"slotbot/internal/actions"
	"slotbot/internal/catalog"
	"slotbot/internal/config"
	"slotbot/internal/schedule"
	"slotbot/internal/slots"
	"slotbot/internal/transport/memory"
	logx "slotbot/pkg/logx"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config and print each rule's next fire time",
	Long: `Validate loads the config exactly as run does, builds every action and rule
without connecting anywhere, and prints when each rule fires next.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return validate(cmd.OutOrStdout(), cfgPath, time.Now())
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validate(w io.Writer, path string, now time.Time) error {
	_, rt, err := config.NewManager(path).Load()
	if err != nil {
		return err
	}

	// actions check slot kinds against a store; an offline transport is enough for that
	store, err := slots.NewStore(rt.Slots)
	if err != nil {
		return err
	}
	exec := slots.NewExecutor(store, memory.New(0))
	var cat catalog.Catalog
	if rt.Catalog != nil {
		cat = *rt.Catalog
	}
	if _, err := actions.Build(rt.Actions, actions.Deps{Exec: exec, Catalog: cat, Location: rt.Location, Log: logx.Nop()}); err != nil {
		return &config.ConfigurationError{Path: "actions", Msg: "invalid", Err: err}
	}
	table, err := schedule.NewTable(rt.Rules)
	if err != nil {
		return err
	}

	mode := "telegram"
	if rt.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "config ok: %d slots, %d actions, %d rules (%s, %s)\n",
		len(rt.Slots), len(rt.Actions), table.Len(), rt.Location, mode)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tACTION\tCRON\tNEXT")
	for _, nf := range schedule.NextFires(table, rt.Location, now) {
		next := "-"
		if !nf.At.IsZero() {
			next = nf.At.Format("Mon 2006-01-02 15:04 MST")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", nf.Rule, nf.Action, nf.Spec, next)
	}
	return tw.Flush()
}
