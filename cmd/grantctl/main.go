// Command grantctl administers an oauth-engine bbolt database: it registers
// clients, approves or denies pending device flows, and introspects and
// revokes tokens.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/server"
	"github.com/giantswarm/oauth-engine/storage/bolt"
)

// Opts with all cli commands and flags
type Opts struct {
	ClientAddCmd     ClientAddCommand     `command:"client-add" description:"register or replace a client"`
	ClientListCmd    ClientListCommand    `command:"client-list" description:"list registered clients"`
	ClientDeleteCmd  ClientDeleteCommand  `command:"client-delete" description:"remove a client"`
	DeviceApproveCmd DeviceApproveCommand `command:"device-approve" description:"approve a pending device flow"`
	DeviceDenyCmd    DeviceDenyCommand    `command:"device-deny" description:"deny a pending device flow"`
	IntrospectCmd    IntrospectCommand    `command:"introspect" description:"introspect a token as a client"`
	RevokeCmd        RevokeCommand        `command:"revoke" description:"revoke a token as a client"`
	PurgeCmd         PurgeCommand         `command:"purge" description:"delete expired and revoked records"`

	DB            string   `long:"db" env:"GRANTCTL_DB" default:"oauth.db" description:"bbolt database file"`
	Config        []string `long:"config" env:"GRANTCTL_CONFIG" env-delim:"," description:"TOML server config file(s)"`
	EncryptionKey string   `long:"encryption-key" env:"GRANTCTL_ENCRYPTION_KEY" description:"base64 AES-256 key for records at rest"`
	Dbg           bool     `long:"dbg" env:"DEBUG" description:"debug mode"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args, executes the selected command and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	var opts Opts
	p := flags.NewParser(&opts, flags.Default)
	p.CommandHandler = func(command flags.Commander, args []string) error {
		logger := setupLog(stderr, opts.Dbg)

		e, err := openEnv(opts, stdout, logger)
		if err != nil {
			logger.Error("Failed to initialize", "error", err)
			return err
		}
		defer e.close()

		c := command.(envCommander)
		c.setEnv(e)
		if err := c.Execute(args); err != nil {
			logger.Error("Command failed", "error", err)
			return err
		}
		return nil
	}

	if _, err := p.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}
	return 0
}

func setupLog(w io.Writer, dbg bool) *slog.Logger {
	level := slog.LevelInfo
	if dbg {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEnv opens the store and builds a server over it from opts.
func openEnv(opts Opts, out io.Writer, logger *slog.Logger) (*env, error) {
	var enc *security.Encryptor
	if opts.EncryptionKey != "" {
		key, err := security.KeyFromBase64(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		if enc, err = security.NewEncryptor(key); err != nil {
			return nil, err
		}
	}

	cfg, err := server.LoadConfig(opts.Config...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := bolt.Open(bolt.Config{
		Path:      opts.DB,
		Encryptor: enc,
		Clock:     cfg.Clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	srv, err := server.New(store, *cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &env{store: store, srv: srv, out: out, logger: logger}, nil
}
