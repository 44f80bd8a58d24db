package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conductor/internal/pipeline"
	"github.com/fyrsmithlabs/conductor/internal/role"
)

var validateCmd = &cobra.Command{
	Use:   "validate <pipeline-file>...",
	Short: "Check pipeline definition files",
	Long: `Parse pipeline definitions and check that every step names a known role.
Roles are the built-in worker and reviewer plus those in roles.file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var extra []*role.Role
		if cfg.Roles.File != "" {
			if extra, err = role.LoadFile(cfg.Roles.File); err != nil {
				return fmt.Errorf("failed to load roles: %w", err)
			}
		}
		return validateFiles(cmd.Context(), cmd.OutOrStdout(), role.NewMemoryStore(extra...), args)
	},
}

var errInvalidFiles = errors.New("one or more pipeline files are invalid")

func validateFiles(ctx context.Context, out io.Writer, roles role.Store, paths []string) error {
	failed := false
	for _, path := range paths {
		p, err := validateFile(ctx, roles, path)
		if err != nil {
			failed = true
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s: %s (%d steps)\n", path, p.ID, len(p.Steps))
	}
	if failed {
		return errInvalidFiles
	}
	return nil
}

func validateFile(ctx context.Context, roles role.Store, path string) (*pipeline.Pipeline, error) {
	p, err := pipeline.LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, s := range p.Steps {
		if _, err := roles.Get(ctx, s.RoleID); err != nil {
			return nil, fmt.Errorf("step %s: %w", s.ID, err)
		}
	}
	return p, nil
}
