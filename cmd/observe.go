package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/droidpatrol/internal/config"
	"github.com/xkilldash9x/droidpatrol/internal/navigation"
)

// newObserveCmd creates the `observe` command.
func newObserveCmd(sessions sessionProvider) *cobra.Command {
	var asJSON bool
	observeCmd := &cobra.Command{
		Use:   "observe",
		Short: "Read the current screen and print its signature and elements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runObserve(ctx, cfg, cmd.OutOrStdout(), sessions, asJSON)
		},
	}
	observeCmd.Flags().BoolVar(&asJSON, "json", false, "print the full snapshot as JSON")
	return observeCmd
}

func runObserve(ctx context.Context, cfg config.Interface, out io.Writer, sessions sessionProvider, asJSON bool) error {
	sess, err := sessions.Open(ctx, cfg, firstSerial(cfg))
	if err != nil {
		return err
	}
	defer sess.Close()

	snap, err := sess.Exec.Observe(ctx)
	if err != nil {
		return fmt.Errorf("failed to read screen: %w", err)
	}
	if asJSON {
		return writeJSON(out, "", snap)
	}

	kind, _ := navigation.Classify(snap, navigation.DefaultRules())
	var b strings.Builder
	fmt.Fprintf(&b, "signature: %s\n", snap.Signature)
	fmt.Fprintf(&b, "kind:      %s\n", kind)
	fmt.Fprintf(&b, "elements:  %d\n", len(snap.Elements))
	for _, el := range snap.Elements {
		mark := " "
		if el.Clickable {
			mark = "*"
		}
		fmt.Fprintf(&b, "  %s %s\n", mark, el)
	}
	_, err = io.WriteString(out, b.String())
	return err
}
