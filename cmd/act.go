package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/config"
	"github.com/xkilldash9x/droidpatrol/internal/device"
	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/observability"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

// errActionFailed is returned when the action ran but was not verified. The result has
// already been printed.
var errActionFailed = errors.New("action not verified")

// newActCmd creates the `act` command group. Each subcommand performs one verified action
// and prints the executor's result.
func newActCmd(sessions sessionProvider) *cobra.Command {
	actCmd := &cobra.Command{
		Use:   "act",
		Short: "Perform one verified action on the device",
	}

	var expect string
	actCmd.PersistentFlags().StringVar(&expect, "expect", "", "text that must be on screen afterwards")

	run := func(cmd *cobra.Command, req executor.ActionRequest) error {
		ctx := cmd.Context()
		cfg, err := getConfigFromContext(ctx)
		if err != nil {
			return err
		}
		if expect != "" {
			req = req.WithExpect(&executor.Expectation{TextPresent: expect})
		}
		return runAct(ctx, observability.GetLogger(), cfg, cmd.OutOrStdout(), sessions, req)
	}

	var resourceID, className string
	tapCmd := &cobra.Command{
		Use:   "tap [text]",
		Short: "Tap an element by text, resource id, or class name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := screen.Selector{ResourceID: resourceID, Type: className}
			if len(args) == 1 {
				sel.Text = args[0]
			}
			if sel.IsZero() {
				return errors.New("tap needs a text argument, --id, or --class")
			}
			return run(cmd, executor.Tap(sel))
		},
	}
	tapCmd.Flags().StringVar(&resourceID, "id", "", "resource id, e.g. com.app:id/search")
	tapCmd.Flags().StringVar(&className, "class", "", "widget class name")

	var submit bool
	typeCmd := &cobra.Command{
		Use:   "type <text>",
		Short: "Type text into the focused field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, executor.TypeText(args[0], submit))
		},
	}
	typeCmd.Flags().BoolVar(&submit, "submit", false, "press ENTER after typing")

	var distance int
	swipeCmd := &cobra.Command{
		Use:   "swipe <up|down|left|right>",
		Short: "Swipe once in a direction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := parseDirection(args[0])
			if err != nil {
				return err
			}
			return run(cmd, executor.Swipe(dir, distance))
		},
	}
	swipeCmd.Flags().IntVar(&distance, "distance", 0, "swipe length in pixels (default a third of the screen)")

	keyCmd := &cobra.Command{
		Use:   "key <BACK|HOME|ENTER|DELETE|MENU|TAB>",
		Short: "Press a device key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, executor.PressKey(device.Key(strings.ToUpper(args[0]))))
		},
	}

	launchCmd := &cobra.Command{
		Use:   "launch <package>",
		Short: "Launch an app by package name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, executor.Launch(args[0]))
		},
	}

	actCmd.AddCommand(tapCmd, typeCmd, swipeCmd, keyCmd, launchCmd)
	return actCmd
}

func parseDirection(s string) (device.Direction, error) {
	switch dir := device.Direction(strings.ToLower(s)); dir {
	case device.DirectionUp, device.DirectionDown, device.DirectionLeft, device.DirectionRight:
		return dir, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// firstSerial picks the device for single-device commands.
func firstSerial(cfg config.Interface) string {
	if serials := cfg.Device().Serials; len(serials) > 0 {
		return serials[0]
	}
	return ""
}

func runAct(ctx context.Context, logger *zap.Logger, cfg config.Interface, out io.Writer, sessions sessionProvider, req executor.ActionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	sess, err := sessions.Open(ctx, cfg, firstSerial(cfg))
	if err != nil {
		return err
	}
	defer sess.Close()

	res := sess.Exec.Execute(ctx, req)
	logger.Info("Action finished",
		zap.String("action", req.String()),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts))
	if err := writeJSON(out, "", res); err != nil {
		return err
	}
	if !res.Succeeded() {
		return fmt.Errorf("%w: %s ended %s", errActionFailed, req, res.Outcome)
	}
	return nil
}
