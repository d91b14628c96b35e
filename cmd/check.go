package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bavix/nestbridge/internal/bridge"
	"github.com/bavix/nestbridge/internal/config"
)

var errCheckFailed = errors.New("check failed")

var offline bool //nolint:gochecknoglobals // cobra command flag

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check configuration, credentials and remote access",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			b, cfg, closeStore, err := openBridge(ctx)
			if err != nil {
				report(out, false, err.Error())

				return errCheckFailed
			}

			defer func() { _ = closeStore() }()

			report(out, true, "config "+configPath())

			ok := checkConfig(out, cfg)
			ok = checkCredential(ctx, out, b) && ok

			if !offline && ok {
				ok = checkRemote(ctx, out, b, cfg.API.Timeout)
			}

			if !ok {
				return errCheckFailed
			}

			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the remote device listing")

	return cmd
}

func report(w io.Writer, ok bool, msg string) {
	mark := color.GreenString("ok  ")
	if !ok {
		mark = color.RedString("fail")
	}

	_, _ = fmt.Fprintf(w, "[%s] %s\n", mark, msg)
}

func checkConfig(w io.Writer, cfg *config.Config) bool {
	problems := cfg.Problems()
	for _, p := range problems {
		report(w, false, p)
	}

	if len(problems) == 0 {
		report(w, true, "project "+cfg.ProjectID)
	}

	return len(problems) == 0
}

func checkCredential(ctx context.Context, w io.Writer, b *bridge.Bridge) bool {
	tok, ok := b.Tokens().Peek(ctx)
	if !ok {
		report(w, false, "no stored credential, run login")

		return false
	}

	switch {
	case tok.Expiry.IsZero():
		report(w, true, "credential without expiry")
	case b.Tokens().Expired(tok) && tok.RefreshToken == "":
		report(w, false, "credential expired and cannot be refreshed, run login")

		return false
	case b.Tokens().Expired(tok):
		report(w, true, "credential expired, will be refreshed")
	default:
		report(w, true, "credential valid until "+tok.Expiry.Local().Format(time.RFC1123))
	}

	return true
}

func checkRemote(ctx context.Context, w io.Writer, b *bridge.Bridge, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := b.Refresh(ctx, true); err != nil {
		report(w, false, "device listing: "+err.Error())

		return false
	}

	manifest := b.Manifest()
	report(w, true, fmt.Sprintf("%d supported devices", len(manifest.Devices)))

	for _, d := range manifest.Devices {
		_, _ = fmt.Fprintf(w, "       %s %s (%s)\n", color.YellowString(string(d.Kind)), d.Name, d.ID)
	}

	return true
}
