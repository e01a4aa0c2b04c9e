// Command authctl administers the users table: migrations, listing,
// password resets and deletion.
package main

import (
	"auth_api/internal/app"
	"auth_api/internal/config"
	"auth_api/internal/storage"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

const usage = `usage: authctl [-config path] <command> [flags]

commands:
  migrate               apply schema migrations
  users [-email addr]   list users
  count                 count users
  passwd -id ID         set a new password (read from the terminal)
  delete -id ID         delete a user
`

func main() {
	var configPath string
	flags := flag.NewFlagSet("authctl", flag.ExitOnError)
	flags.StringVar(&configPath, "config", "", "path to the YAML config (defaults to $CONFIG_PATH)")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = flags.Parse(os.Args[1:])

	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.Build(ctx, cfg, log, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	c := &cli{
		svc:          application.Service,
		out:          os.Stdout,
		readPassword: promptPassword(os.Stderr),
		migrate: func(ctx context.Context) error {
			if application.DB == nil {
				return errNoDatabase
			}
			return storage.Migrate(ctx, application.DB)
		},
	}

	err = c.run(ctx, flags.Args())
	application.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// promptPassword reads a password without echo, asking twice on a terminal.
func promptPassword(w io.Writer) func() (string, error) {
	return func() (string, error) {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return readLine(os.Stdin)
		}

		fmt.Fprint(w, "New password: ")
		first, err := term.ReadPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}

		fmt.Fprint(w, "Repeat password: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}

		if string(first) != string(second) {
			return "", errPasswordMismatch
		}

		return string(first), nil
	}
}
