package main

import (
	"auth_api/internal/service"
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/gofrs/uuid"
)

var (
	errNoDatabase       = errors.New("storage driver has no schema to migrate")
	errPasswordMismatch = errors.New("passwords do not match")
	errUnknownCommand   = errors.New("unknown command")
)

type cli struct {
	svc          service.Service
	out          io.Writer
	readPassword func() (string, error)
	migrate      func(ctx context.Context) error
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUnknownCommand
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		if err := c.migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(c.out, "migrations applied")
		return nil
	case "users":
		return c.users(ctx, rest)
	case "count":
		n, err := c.svc.CountUsers(ctx)
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		fmt.Fprintln(c.out, n)
		return nil
	case "passwd":
		return c.passwd(ctx, rest)
	case "delete":
		return c.delete(ctx, rest)
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, cmd)
	}
}

func (c *cli) users(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("users", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "filter by email")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("users: %w", err)
	}

	users, err := c.svc.ListUsers(ctx, *email)
	if err != nil {
		return fmt.Errorf("users: %w", err)
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tEMAIL")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.ID, u.Username, u.Email)
	}

	return tw.Flush()
}

func (c *cli) passwd(ctx context.Context, args []string) error {
	id, err := parseID("passwd", args)
	if err != nil {
		return err
	}

	password, err := c.readPassword()
	if err != nil {
		return fmt.Errorf("passwd: %w", err)
	}

	if err := c.svc.ChangePassword(ctx, id, password); err != nil {
		return fmt.Errorf("passwd: %w", err)
	}

	fmt.Fprintln(c.out, "password updated")

	return nil
}

func (c *cli) delete(ctx context.Context, args []string) error {
	id, err := parseID("delete", args)
	if err != nil {
		return err
	}

	user, err := c.svc.DeleteUser(ctx, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	fmt.Fprintf(c.out, "deleted %s (%s)\n", user.Username, user.ID)

	return nil
}

func parseID(cmd string, args []string) (uuid.UUID, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	raw := fs.String("id", "", "user id")
	if err := fs.Parse(args); err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", cmd, err)
	}

	id, err := uuid.FromString(*raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: invalid -id %q: %w", cmd, *raw, err)
	}

	return id, nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}
