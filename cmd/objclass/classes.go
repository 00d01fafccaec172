package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/objclass/internal/adapters/ipc"
	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
)

// Status colours.
var (
	colorOpen    = lipgloss.AdaptiveColor{Light: "#40a02b", Dark: "#a6e3a1"}
	colorPending = lipgloss.AdaptiveColor{Light: "#df8e1d", Dark: "#f9e2af"}
	colorFailed  = lipgloss.AdaptiveColor{Light: "#d20f39", Dark: "#f38ba8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6c6f85", Dark: "#6c7086"}
)

func statusStyle(s objclass.Status) lipgloss.Style {
	style := lipgloss.NewStyle()
	switch s {
	case objclass.StatusOpen:
		return style.Foreground(colorOpen).Bold(true)
	case objclass.StatusInitializing, objclass.StatusMissingDependencies:
		return style.Foreground(colorPending)
	case objclass.StatusMissing:
		return style.Foreground(colorFailed)
	default:
		return style.Foreground(colorMuted)
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a node is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !client.IsNodeRunning() {
				if asJSON {
					return writeJSON(out, map[string]interface{}{"running": false})
				}
				_, _ = fmt.Fprintln(out, "Node is not running.")
				_, _ = fmt.Fprintln(out, "")
				_, _ = fmt.Fprintln(out, "Start it with:")
				_, _ = fmt.Fprintln(out, "  objclass serve")
				return nil
			}

			resp, err := client.Status()
			if err != nil {
				return fmt.Errorf("failed to get node status: %w", err)
			}
			if asJSON {
				return writeJSON(out, map[string]interface{}{
					"running":   true,
					"pid":       resp.PID,
					"version":   resp.Version,
					"class_dir": resp.ClassDir,
					"classes":   resp.Classes,
					"open":      resp.Open,
				})
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "Running:\tyes (PID %d)\n", resp.PID)
			_, _ = fmt.Fprintf(w, "Version:\t%s\n", resp.Version)
			_, _ = fmt.Fprintf(w, "Class dir:\t%s\n", resp.ClassDir)
			_, _ = fmt.Fprintf(w, "Classes:\t%d (%d open)\n", resp.Classes, resp.Open)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List the classes a node has seen",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd, opts)
			if err != nil {
				return err
			}
			classes, err := client.List()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), classes)
			}
			return printClasses(cmd.OutOrStdout(), classes)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

// printClasses writes a table of classes. The coloured status column comes
// last so escape codes do not disturb alignment.
func printClasses(out io.Writer, classes []objclass.ClassInfo) error {
	if len(classes) == 0 {
		_, _ = fmt.Fprintln(out, "No classes loaded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tREFS\tMETHODS\tSTATUS")
	for _, ci := range classes {
		v := ci.Version
		if v == "" {
			v = "-"
		}
		status := statusStyle(ci.Status).Render(ci.Status.String())
		var notes []string
		if ci.Blocked {
			notes = append(notes, "blocked")
		}
		if ci.Embedded {
			notes = append(notes, "embedded")
		}
		if len(ci.Missing) > 0 {
			notes = append(notes, "needs "+strings.Join(ci.Missing, ","))
		}
		if len(notes) > 0 {
			status += " (" + strings.Join(notes, "; ") + ")"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", ci.Name, v, ci.Refs, len(ci.Methods), status)
	}
	return w.Flush()
}

func newReloadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload <class>",
		Short: "Unload a class so its next open loads it fresh",
		Long: `Unload a class once every handle on it is released. Opens that arrive
while the class drains wait and then load the new code.`,
		Args: cobra.ExactArgs(1),
		RunE: classAction(opts, "reloaded", (*ipc.Client).Reload),
	}
}

func newDisableCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <class>",
		Short: "Unload a class and refuse opens until unblock",
		Args:  cobra.ExactArgs(1),
		RunE:  classAction(opts, "disabled", (*ipc.Client).Disable),
	}
}

func newUnblockCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <class>",
		Short: "Allow opens of a disabled class again",
		Args:  cobra.ExactArgs(1),
		RunE:  classAction(opts, "unblocked", (*ipc.Client).Unblock),
	}
}

// classAction runs an admin call on the class named by the first argument.
func classAction(opts *rootOptions, done string, call func(*ipc.Client, string) (*ipc.ResultResponse, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd, opts)
		if err != nil {
			return err
		}
		resp, err := call(client, args[0])
		if err != nil {
			return err
		}
		if !resp.Success {
			return &errnoError{errno: resp.Errno, message: resp.Message}
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, resp.Class)
		return nil
	}
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
