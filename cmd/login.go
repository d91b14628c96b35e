package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	customerrors "github.com/bavix/nestbridge/internal/errors"
)

var errNoCode = errors.New("no authorization code entered")

var loginCode string //nolint:gochecknoglobals // cobra command flag

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize access to the device project",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			b, cfg, closeStore, err := openBridge(ctx)
			if err != nil {
				return err
			}

			defer func() { _ = closeStore() }()

			if strings.TrimSpace(cfg.ProjectID) == "" {
				return customerrors.ErrProjectIDMissing
			}

			if problems := cfg.Problems(); len(problems) > 0 {
				return fmt.Errorf("config incomplete: %s", strings.Join(problems, "; "))
			}

			code := strings.TrimSpace(loginCode)
			if code == "" {
				out := cmd.OutOrStdout()

				_, _ = fmt.Fprintln(out, "Open this page and grant access:")
				_, _ = fmt.Fprintln(out, color.CyanString(b.AuthURL(uuid.NewString())))
				_, _ = fmt.Fprint(out, "Authorization code: ")

				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errNoCode
				}

				code = strings.TrimSpace(line)
			}

			if code == "" {
				return errNoCode
			}

			if err := b.CompleteLogin(ctx, code); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("login saved"))

			return nil
		},
	}
	cmd.Flags().StringVar(&loginCode, "code", "", "Authorization code; prompts when empty")

	return cmd
}
