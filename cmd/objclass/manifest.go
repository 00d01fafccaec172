package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
	"github.com/felixgeelhaar/objclass/internal/domain/sandbox"
)

type manifestOptions struct {
	name        string
	version     string
	description string
	module      string
	requires    []string
}

func newManifestCommand() *cobra.Command {
	mo := &manifestOptions{}
	cmd := &cobra.Command{
		Use:   "manifest <class-dir>",
		Short: "Write class.yaml for a class directory",
		Long: `Compute the checksum of a class module and write class.yaml next to it.

The class name defaults to the directory name. Dependencies take the form
name or name@constraint, for example lock@^1.2.0.`,
		Example: `  objclass manifest ./classes/counter --version 1.0.0
  objclass manifest ./classes/queue --version 2.1.0 --requires lock@>=1.2.0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requires, err := parseRequires(mo.requires)
			if err != nil {
				return err
			}
			m, err := sandbox.WriteManifest(args[0], sandbox.Manifest{
				Name:        mo.name,
				Version:     mo.version,
				Description: mo.description,
				Module:      mo.module,
				Requires:    requires,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s %s, sha256 %s)\n",
				filepath.Join(args[0], sandbox.ManifestYAML), m.Name, m.Version, m.Checksum)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&mo.name, "name", "", "class name (default: directory name)")
	flags.StringVar(&mo.version, "version", "", "semantic version of the class")
	flags.StringVar(&mo.description, "description", "", "what the class does")
	flags.StringVar(&mo.module, "module", "module.wasm", "module path relative to the class directory")
	flags.StringArrayVar(&mo.requires, "requires", nil, "dependency as name or name@constraint (repeatable)")
	return cmd
}

func parseRequires(reqs []string) ([]objclass.Dependency, error) {
	deps := make([]objclass.Dependency, 0, len(reqs))
	for _, req := range reqs {
		name, constraint, _ := strings.Cut(strings.TrimSpace(req), "@")
		if name == "" {
			return nil, fmt.Errorf("invalid dependency %q: missing name", req)
		}
		if err := objclass.ValidateConstraint(constraint); err != nil {
			return nil, fmt.Errorf("invalid dependency %q: %w", req, err)
		}
		deps = append(deps, objclass.Dependency{Name: name, Version: constraint})
	}
	return deps, nil
}
