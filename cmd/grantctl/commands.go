package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/server"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/storage/bolt"
)

// envCommander is implemented by every command; main injects the opened
// store and server before Execute.
type envCommander interface {
	flags.Commander
	setEnv(e *env)
}

// env is shared by all commands of one invocation.
type env struct {
	store  *bolt.Store
	srv    *server.Server
	out    io.Writer
	logger *slog.Logger
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close store", "error", err)
	}
}

// envHolder satisfies envCommander's setter for embedding commands.
type envHolder struct {
	env *env
}

func (h *envHolder) setEnv(e *env) { h.env = e }

// ClientAddCommand registers a client
type ClientAddCommand struct {
	ID           string   `long:"id" required:"true" description:"client id"`
	Secret       string   `long:"secret" description:"client secret, required unless --public"`
	Name         string   `long:"name" description:"display name"`
	RedirectURIs []string `long:"redirect-uri" description:"registered redirect URI (repeatable)"`
	Scopes       string   `long:"scopes" description:"space separated scopes the client may request"`
	GrantTypes   []string `long:"grant-type" description:"allowed grant type (repeatable), all when omitted"`
	Public       bool     `long:"public" description:"register a public client without secret"`

	envHolder
}

// Execute is the entry point for "client-add"
func (c *ClientAddCommand) Execute(_ []string) error {
	if c.Public && c.Secret != "" {
		return fmt.Errorf("public clients cannot have a secret")
	}
	if !c.Public && c.Secret == "" {
		return fmt.Errorf("confidential clients need --secret")
	}

	client := &storage.Client{
		ID:           c.ID,
		Name:         c.Name,
		RedirectURIs: c.RedirectURIs,
		Scopes:       scope.Parse(c.Scopes),
		Confidential: !c.Public,
		GrantTypes:   c.GrantTypes,
	}
	if err := c.env.store.SaveClient(context.Background(), client, c.Secret); err != nil {
		return fmt.Errorf("failed to save client %s: %w", c.ID, err)
	}

	fmt.Fprintf(c.env.out, "client %s saved\n", c.ID)
	return nil
}

// ClientListCommand prints registered clients
type ClientListCommand struct {
	envHolder
}

// Execute is the entry point for "client-list"
func (c *ClientListCommand) Execute(_ []string) error {
	clients, err := c.env.store.ListClients(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}

	w := tabwriter.NewWriter(c.env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSCOPES\tREDIRECT URIS")
	for _, client := range clients {
		kind := "public"
		if client.Confidential {
			kind = "confidential"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", client.ID, kind, client.Scopes.String(), strings.Join(client.RedirectURIs, ","))
	}
	return w.Flush()
}

// ClientDeleteCommand removes a client
type ClientDeleteCommand struct {
	ID string `long:"id" required:"true" description:"client id"`

	envHolder
}

// Execute is the entry point for "client-delete"
func (c *ClientDeleteCommand) Execute(_ []string) error {
	if err := c.env.store.DeleteClient(context.Background(), c.ID); err != nil {
		return fmt.Errorf("failed to delete client %s: %w", c.ID, err)
	}
	fmt.Fprintf(c.env.out, "client %s deleted\n", c.ID)
	return nil
}

// DeviceApproveCommand approves a pending device flow on behalf of an owner
type DeviceApproveCommand struct {
	UserCode string `long:"user-code" required:"true" description:"code shown on the device"`
	Owner    string `long:"owner" required:"true" description:"resource owner id granting access"`

	envHolder
}

// Execute is the entry point for "device-approve"
func (c *DeviceApproveCommand) Execute(_ []string) error {
	if err := c.env.srv.ApproveDevice(context.Background(), c.UserCode, c.Owner); err != nil {
		return err
	}
	fmt.Fprintf(c.env.out, "device flow %s approved for %s\n", c.UserCode, c.Owner)
	return nil
}

// DeviceDenyCommand denies a pending device flow
type DeviceDenyCommand struct {
	UserCode string `long:"user-code" required:"true" description:"code shown on the device"`

	envHolder
}

// Execute is the entry point for "device-deny"
func (c *DeviceDenyCommand) Execute(_ []string) error {
	if err := c.env.srv.DenyDevice(context.Background(), c.UserCode); err != nil {
		return err
	}
	fmt.Fprintf(c.env.out, "device flow %s denied\n", c.UserCode)
	return nil
}

// clientAuth holds the credentials a command presents as a client
type clientAuth struct {
	ClientID     string `long:"client-id" required:"true" description:"authenticating client id"`
	ClientSecret string `long:"client-secret" env:"GRANTCTL_CLIENT_SECRET" description:"authenticating client secret"`
}

// IntrospectCommand prints the introspection payload of a token
type IntrospectCommand struct {
	Token string `long:"token" required:"true" description:"access or refresh token"`
	Hint  string `long:"hint" choice:"access_token" choice:"refresh_token" description:"token type hint"`

	clientAuth
	envHolder
}

// Execute is the entry point for "introspect"
func (c *IntrospectCommand) Execute(_ []string) error {
	payload, err := c.env.srv.Introspect(context.Background(), &server.IntrospectionRequest{
		Token:         c.Token,
		TokenTypeHint: c.Hint,
		ClientID:      c.ClientID,
		ClientSecret:  c.ClientSecret,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.env.out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// RevokeCommand revokes a token
type RevokeCommand struct {
	Token string `long:"token" required:"true" description:"access or refresh token"`
	Hint  string `long:"hint" choice:"access_token" choice:"refresh_token" description:"token type hint"`

	clientAuth
	envHolder
}

// Execute is the entry point for "revoke"
func (c *RevokeCommand) Execute(_ []string) error {
	err := c.env.srv.Revoke(context.Background(), &server.RevocationRequest{
		Token:         c.Token,
		TokenTypeHint: c.Hint,
		ClientID:      c.ClientID,
		ClientSecret:  c.ClientSecret,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.env.out, "revoked")
	return nil
}

// PurgeCommand deletes records no longer usable
type PurgeCommand struct {
	OlderThan time.Duration `long:"older-than" default:"1h" description:"keep records revoked or expired more recently"`

	envHolder
}

// Execute is the entry point for "purge"
func (c *PurgeCommand) Execute(_ []string) error {
	removed, err := c.env.store.Purge(context.Background(), time.Now().Add(-c.OlderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.env.out, "purged %d records\n", removed)
	return nil
}
