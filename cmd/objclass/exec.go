package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
)

type execOptions struct {
	input     string
	inputFile string
	open      time.Duration
}

func newExecCommand(opts *rootOptions) *cobra.Command {
	eo := &execOptions{}
	cmd := &cobra.Command{
		Use:   "exec <class> <method>",
		Short: "Call a method on a class",
		Long: `Open a class, call one of its methods and release the class.

The method output is written to stdout as is. A non-zero method status is
reported on stderr and becomes the exit status.`,
		Example: `  objclass exec lock get
  objclass exec counter add --input 5
  echo -n payload | objclass exec echo echo --input-file -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts, eo, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&eo.input, "input", "", "method input")
	cmd.Flags().StringVar(&eo.inputFile, "input-file", "", `read method input from a file ("-" for stdin)`)
	cmd.Flags().DurationVar(&eo.open, "open-wait", objclass.DefaultOpenTimeout, "how long to wait on a blocked class (0 fails at once, negative waits forever)")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

func runExec(cmd *cobra.Command, opts *rootOptions, eo *execOptions, class, method string) error {
	input, err := eo.readInput(cmd.InOrStdin())
	if err != nil {
		return err
	}
	client, err := newClient(cmd, opts)
	if err != nil {
		return err
	}

	resp, err := client.Exec(class, method, input, eo.open)
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(resp.Output); err != nil {
		return err
	}
	if resp.Status != 0 {
		return &statusError{class: class, method: method, status: resp.Status}
	}
	return nil
}

func (eo *execOptions) readInput(stdin io.Reader) ([]byte, error) {
	switch eo.inputFile {
	case "":
		return []byte(eo.input), nil
	case "-":
		return io.ReadAll(stdin)
	default:
		data, err := os.ReadFile(eo.inputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		return data, nil
	}
}
