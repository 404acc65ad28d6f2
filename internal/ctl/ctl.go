package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/filex"
	"github.com/dmitrijs2005/ankisync/internal/flagx"
	"github.com/dmitrijs2005/ankisync/internal/server/config"
	"github.com/dmitrijs2005/ankisync/internal/server/sessions"
	"github.com/dmitrijs2005/ankisync/internal/server/users"
)

var errNoDatabase = errors.New("database file does not exist")

// UserAdmin is the part of the credential store the tool drives.
type UserAdmin interface {
	AddUser(ctx context.Context, username string, password []byte) error
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]string, error)
	SetPassword(ctx context.Context, username string, password []byte) error
	Close() error
}

type App struct {
	config *config.Config
	name   string
	stdout io.Writer
	stderr io.Writer

	openUsers    func(ctx context.Context) (UserAdmin, error)
	dropSessions func(ctx context.Context, username string) (int64, error)
}

func NewApp(c *config.Config, name string, stdout, stderr io.Writer) *App {
	a := &App{config: c, name: name, stdout: stdout, stderr: stderr}
	a.openUsers = func(ctx context.Context) (UserAdmin, error) {
		return users.Open(ctx, c.AuthDatabaseDSN, c.DataRoot)
	}
	a.dropSessions = func(ctx context.Context, username string) (int64, error) {
		if !fileExists(c.SessionDatabasePath) {
			return 0, nil
		}
		st, err := sessions.OpenSQLiteStore(ctx, c.SessionDatabasePath)
		if err != nil {
			return 0, err
		}
		defer st.Close()
		return st.DeleteOwner(ctx, username)
	}
	return a
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (a *App) usage() {
	fmt.Fprintf(a.stdout, "usage: %s [-c config.json] <command> [<args>]\n\n", a.name)
	fmt.Fprintln(a.stdout, "Commands:")
	fmt.Fprintln(a.stdout, "  start [configfile] - start the server")
	fmt.Fprintln(a.stdout, "  debug [configfile] - start the server in debug mode")
	fmt.Fprintln(a.stdout, "  stop               - stop the server")
	fmt.Fprintln(a.stdout, "  status             - report whether the server is up")
	fmt.Fprintln(a.stdout, "  adduser <username> - add a new user")
	fmt.Fprintln(a.stdout, "  deluser <username> - delete a user")
	fmt.Fprintln(a.stdout, "  lsuser             - list users")
	fmt.Fprintln(a.stdout, "  passwd <username>  - change password of a user")
}

// Run executes the command found in args (usually os.Args[1:]) and returns
// the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	words := flagx.Positional(args, config.ValueFlags)
	if len(words) == 0 {
		a.usage()
		return 1
	}
	cmd, rest := words[0], words[1:]
	arg := ""
	if len(rest) > 0 {
		arg = rest[0]
	}
	flags := flagx.FilterArgs(args, config.ValueFlags)

	var err error
	switch cmd {
	case "start":
		err = a.start(flags, arg)
	case "debug":
		err = a.debug(ctx, flags, arg)
	case "stop":
		err = a.stop()
	case "status":
		err = a.status(ctx)
	case "adduser", "deluser", "passwd":
		if arg == "" {
			a.usage()
			return 1
		}
		switch cmd {
		case "adduser":
			err = a.addUser(ctx, arg)
		case "deluser":
			err = a.delUser(ctx, arg)
		default:
			err = a.passwd(ctx, arg)
		}
	case "lsuser":
		err = a.lsUser(ctx)
	default:
		a.usage()
		return 1
	}

	if err != nil {
		fmt.Fprintf(a.stderr, "%s: %v\n", a.name, err)
		return 1
	}
	return 0
}

// requireStore fails for a SQLite credential store that was never created.
func (a *App) requireStore() error {
	if users.IsPostgresDSN(a.config.AuthDatabaseDSN) || fileExists(a.config.AuthDatabaseDSN) {
		return nil
	}
	return errNoDatabase
}

func (a *App) withUsers(ctx context.Context, fn func(UserAdmin) error) error {
	if _, err := filex.EnsureDir(a.config.DataRoot); err != nil {
		return err
	}
	u, err := a.openUsers(ctx)
	if err != nil {
		return err
	}
	defer u.Close()
	return fn(u)
}

func (a *App) promptPassword(username string) ([]byte, error) {
	fmt.Fprintf(a.stdout, "Enter password for %s\n", username)
	return GetPassword(a.stdout, "Password: ")
}

func (a *App) addUser(ctx context.Context, username string) error {
	pw, err := a.promptPassword(username)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	return a.withUsers(ctx, func(u UserAdmin) error {
		if err := u.AddUser(ctx, username, pw); err != nil {
			return fmt.Errorf("could not add user %s: %w", username, err)
		}
		return nil
	})
}

func (a *App) delUser(ctx context.Context, username string) error {
	if err := a.requireStore(); err != nil {
		return err
	}
	err := a.withUsers(ctx, func(u UserAdmin) error {
		if err := u.DeleteUser(ctx, username); err != nil {
			return fmt.Errorf("could not delete user %s: %w", username, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	n, err := a.dropSessions(ctx, username)
	if err != nil {
		return fmt.Errorf("user %s deleted, dropping sessions failed: %w", username, err)
	}
	if n > 0 {
		fmt.Fprintf(a.stdout, "dropped %d session(s)\n", n)
	}
	return nil
}

func (a *App) lsUser(ctx context.Context) error {
	return a.withUsers(ctx, func(u UserAdmin) error {
		names, err := u.ListUsers(ctx)
		if err != nil {
			return fmt.Errorf("could not list users: %w", err)
		}
		for _, n := range names {
			fmt.Fprintln(a.stdout, n)
		}
		return nil
	})
}

func (a *App) passwd(ctx context.Context, username string) error {
	if err := a.requireStore(); err != nil {
		return err
	}
	pw, err := a.promptPassword(username)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	return a.withUsers(ctx, func(u UserAdmin) error {
		if err := u.SetPassword(ctx, username, pw); err != nil {
			return fmt.Errorf("could not set password for user %s: %w", username, err)
		}
		return nil
	})
}
