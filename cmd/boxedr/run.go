package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bpowers/boxedr"
)

func (a *app) runCmd() *cobra.Command {
	var (
		expr      string
		input     string
		inputFile string
	)
	cmd := &cobra.Command{
		Use:   "run [script.R | -]",
		Short: "Run a script and print its JSON result",
		Example: `  boxedr run analysis.R --input-file data.json
  boxedr run -e 'jsonlite::toJSON(list(n = nchar(input_data)), auto_unbox = TRUE)' --input hello`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := readScript(cmd.InOrStdin(), expr, args)
			if err != nil {
				return err
			}
			if inputFile != "" {
				data, err := os.ReadFile(inputFile)
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				input = string(data)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout)
			defer cancel()

			sess, cleanup, err := a.session(ctx, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := sess.Initialize(ctx); err != nil {
				return err
			}
			res, err := sess.Run(ctx, script, input)
			if err != nil {
				var ee *boxedr.ExecutionError
				if errors.As(err, &ee) {
					printExecutionError(cmd.ErrOrStderr(), ee)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.JSON)
			return nil
		},
	}
	cmd.Flags().StringVarP(&expr, "expr", "e", "", "script text to run instead of a file")
	cmd.Flags().StringVar(&input, "input", "", "text bound to the input variable")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "file whose contents are bound to the input variable")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

func readScript(stdin io.Reader, expr string, args []string) (string, error) {
	switch {
	case expr != "" && len(args) > 0:
		return "", errors.New("pass either --expr or a script file, not both")
	case expr != "":
		return expr, nil
	case len(args) == 0:
		return "", errors.New("no script: pass a file, - for stdin, or --expr")
	case args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read script: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}

func printExecutionError(w io.Writer, ee *boxedr.ExecutionError) {
	if ee.Line > 0 {
		fmt.Fprintf(w, "%s at line %d, column %d\n", ee.Kind, ee.Line, ee.Column)
	}
	if ee.Output != "" {
		fmt.Fprintf(w, "output before the error:\n%s\n", ee.Output)
	}
	if ee.Hint != "" {
		fmt.Fprintf(w, "hint: %s\n", ee.Hint)
	}
	if ee.Fatal {
		fmt.Fprintln(w, "the interpreter crashed; the next run starts a fresh one")
	}
}
