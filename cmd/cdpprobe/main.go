/*
 *
 * cdp-version-probe - browser version detection over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Command cdpprobe reports the build revision of a browser reachable over the
// Chrome DevTools Protocol, if the browser is recent enough.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/grafana/cdp-version-probe/cdp"
	"github.com/grafana/cdp-version-probe/config"
	"github.com/grafana/cdp-version-probe/log"
	"github.com/grafana/cdp-version-probe/probe"
	"github.com/grafana/cdp-version-probe/version"
)

var _ pflag.Value = (*version.Version)(nil)

// errUnsupported is returned when the browser answered but is too old, or its
// answer carried no usable version.
var errUnsupported = errors.New("browser is unsupported or its version could not be determined")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		_, _ = color.New(color.FgRed).Fprintf(os.Stderr, "cdpprobe: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cdpprobe [flags] <ws-url>",
		Short: "Report the build revision of a browser reachable over CDP",
		Long: `cdpprobe connects to the Chrome DevTools Protocol endpoint of a browser,
asks for its version and prints the build revision if the browser is at least
the minimum supported version. It exits with status 1 otherwise.

Settings can also be given with CDPPROBE_* environment variables; flags take
precedence.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cfg, envErr := config.FromEnv()
	flags := cmd.Flags()
	flags.Var(&cfg.MinVersion, "min-version", "oldest supported browser version, as <major>.0.<minor>.0")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "give up if the browser hasn't answered within this duration")
	flags.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "WebSocket handshake timeout")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	flags.StringVar(&cfg.LogCategoryFilter, "log-category-filter", cfg.LogCategoryFilter, "only log categories matching this regular expression")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if envErr != nil {
			return envErr
		}
		if len(args) == 1 {
			cfg.Endpoint = args[0]
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err := newLogger(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		rev, err := run(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		_, _ = color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), rev)
		return nil
	}

	return cmd
}

func newLogger(cfg config.Config, out io.Writer) (*log.Logger, error) {
	l := logrus.New()
	l.SetOutput(out)

	logger := log.New(l, false, nil)
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("setting log level: %w", err)
	}
	if err := logger.SetCategoryFilter(cfg.LogCategoryFilter); err != nil {
		return nil, err
	}

	return logger, nil
}

// run detects the revision of the browser described by cfg.
func run(ctx context.Context, cfg config.Config, logger *log.Logger) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	dialer := cdp.NewDialer(cfg.HandshakeTimeout)
	dial := func(ctx context.Context, wsURL string) (probe.Conn, error) {
		conn, err := cdp.NewConnection(ctx, wsURL, dialer, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	rev, err := probe.Detect(ctx, cfg.Endpoint,
		probe.WithLogger(logger),
		probe.WithMinVersion(cfg.MinVersion),
		probe.WithDialFunc(dial),
	)
	if err != nil {
		return "", err
	}
	if rev == "" {
		return "", fmt.Errorf("%w (minimum %s)", errUnsupported, cfg.MinVersion)
	}

	return rev, nil
}
