// Package cli implements the fitfolioctl operator commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Unfixab1e/fitfolio/internal/app"
	"github.com/Unfixab1e/fitfolio/internal/auth"
	"github.com/Unfixab1e/fitfolio/internal/config"
	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/outbox"
	"github.com/Unfixab1e/fitfolio/internal/persistence/postgres"
	"github.com/Unfixab1e/fitfolio/internal/syncer"
)

// PublishCloser is a sync request publisher that owns a connection.
type PublishCloser interface {
	syncer.Publisher
	Close() error
}

// Context is bound to every command's Run method.
type Context struct {
	context.Context
	Config config.Config
	Logger *log.Logger
	Out    io.Writer
	// App is nil for commands that do not need the store.
	App *app.App
	// NewPublisher connects to the sync request topic.
	NewPublisher func() (PublishCloser, error)
}

// CLI is the kong grammar of fitfolioctl.
type CLI struct {
	Migrate     MigrateCmd     `cmd:"" help:"Apply Postgres schema migrations."`
	User        UserCmd        `cmd:"" help:"Manage local users."`
	SetupUser   SetupUserCmd   `cmd:"" name:"setup-user" help:"Map a user to a gateway subject and enable sync."`
	DisableUser DisableUserCmd `cmd:"" name:"disable-user" help:"Disable sync for a user."`
	SyncUser    SyncUserCmd    `cmd:"" name:"sync-user" help:"Sync one user now."`
	SyncAll     SyncAllCmd     `cmd:"" name:"sync-all" help:"Sync every enabled user, or enqueue them for the worker."`
	Token       TokenCmd       `cmd:"" help:"Issue an API bearer token."`
	ReplayDLQ   ReplayDLQCmd   `cmd:"" name:"replay-dlq" help:"Move dead-lettered outbox events back into the outbox once."`
}

// NeedsStore reports whether the selected command requires an opened App.
func NeedsStore(command string) bool {
	switch strings.Fields(command)[0] {
	case "migrate", "token":
		return false
	}
	return true
}

// MigrateCmd applies the embedded Postgres migrations.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx *Context) error {
	if ctx.Config.StoreDriver != config.DriverPostgres {
		fmt.Fprintf(ctx.Out, "store driver %q applies its schema on open; nothing to migrate\n", ctx.Config.StoreDriver)
		return nil
	}
	if err := postgres.Migrate(ctx.Config.PostgresURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintln(ctx.Out, "database is up to date")
	return nil
}

// UserCmd groups user management.
type UserCmd struct {
	Add UserAddCmd `cmd:"" help:"Create a user."`
}

// UserAddCmd creates a local user.
type UserAddCmd struct {
	Username string `arg:"" help:"Unique username."`
	Email    string `help:"Contact email."`
	ID       string `help:"User id (uuid); generated when empty."`
}

func (c *UserAddCmd) Run(ctx *Context) error {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid --id: %w", err)
	}
	user := domain.User{ID: id, Username: c.Username, Email: c.Email}
	if err := ctx.App.Store.CreateUser(ctx, user); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "created user %s (%s)\n", c.Username, id)
	return nil
}

// SetupUserCmd stores the gateway subject of a user.
type SetupUserCmd struct {
	Username  string `arg:"" help:"Local username."`
	SubjectID string `arg:"" help:"Gateway subject identifier."`
}

func (c *SetupUserCmd) Run(ctx *Context) error {
	profile, created, err := ctx.App.Operations.SetupUser(ctx, c.Username, c.SubjectID)
	if err != nil {
		return err
	}
	verb := "updated"
	if created {
		verb = "created"
	}
	fmt.Fprintf(ctx.Out, "%s sync profile for %s (subject %s)\n", verb, c.Username, profile.SubjectID)
	return nil
}

// DisableUserCmd turns sync off for a user.
type DisableUserCmd struct {
	Username string `arg:"" help:"Local username."`
}

func (c *DisableUserCmd) Run(ctx *Context) error {
	if err := ctx.App.Operations.DisableUser(ctx, c.Username); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "sync disabled for %s\n", c.Username)
	return nil
}

// SyncUserCmd syncs one user.
type SyncUserCmd struct {
	Username string `arg:"" help:"Local username."`
}

func (c *SyncUserCmd) Run(ctx *Context) error {
	summary, err := ctx.App.Operations.SyncUser(ctx, c.Username)
	if err != nil {
		return err
	}
	printSummary(ctx.Out, c.Username, summary)
	return nil
}

// SyncAllCmd syncs the fleet inline or enqueues it.
type SyncAllCmd struct {
	Enqueue bool `help:"Publish one sync request per user to Kafka instead of syncing inline."`
}

// ErrUsersFailed is returned when a fleet run had at least one failed user.
var ErrUsersFailed = errors.New("one or more users failed to sync")

func (c *SyncAllCmd) Run(ctx *Context) error {
	if c.Enqueue {
		if ctx.NewPublisher == nil {
			return errors.New("no sync request publisher configured")
		}
		publisher, err := ctx.NewPublisher()
		if err != nil {
			return err
		}
		defer publisher.Close()
		n, err := ctx.App.Operations.EnqueueAll(ctx, publisher)
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.Out, "enqueued %d sync requests\n", n)
		return nil
	}

	result, err := ctx.App.Operations.SyncAllUsers(ctx)
	if err != nil {
		return err
	}
	for _, r := range result.Results {
		printSummary(ctx.Out, r.Username, r.Summary)
	}
	for _, e := range result.PerUserErrors {
		fmt.Fprintf(ctx.Out, "FAILED %s: %s\n", e.Username, e.Message)
	}
	fmt.Fprintf(ctx.Out, "users attempted=%d succeeded=%d\n", result.UsersAttempted, result.UsersSucceeded)
	if len(result.PerUserErrors) > 0 {
		return ErrUsersFailed
	}
	return nil
}

// TokenCmd signs a bearer token with the configured JWT secret.
type TokenCmd struct {
	Subject string        `arg:"" help:"Token subject, normally a user id."`
	Scopes  []string      `help:"Granted scopes." default:"health:read,health:write"`
	TTL     time.Duration `name:"ttl" help:"Token lifetime." default:"24h"`
}

func (c *TokenCmd) Run(ctx *Context) error {
	token, err := auth.Issue(auth.Config{Secret: ctx.Config.JWTSecret, Issuer: ctx.Config.JWTIssuer}, c.Subject, c.Scopes, c.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Out, token)
	return nil
}

func printSummary(w io.Writer, username string, s domain.SyncSummary) {
	fmt.Fprintf(w, "synced %s: steps=%d weight=%d sleep=%d total=%d\n", username, s.StepsRecords, s.WeightRecords, s.SleepRecords, s.TotalRecords)
	for _, stage := range s.Stages {
		if stage.Failed {
			fmt.Fprintf(w, "  %s stage failed: %s\n", stage.Metric, stage.Error)
		} else if stage.Skipped > 0 {
			fmt.Fprintf(w, "  %s skipped %d records\n", stage.Metric, stage.Skipped)
		}
	}
}

// Options returns the kong options fitfolioctl is parsed with.
func Options() []kong.Option {
	return []kong.Option{
		kong.Name("fitfolioctl"),
		kong.Description("Operate the fitfolio health data sync."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	}
}

// ErrPostgresRequired is returned by commands that only make sense against Postgres.
var ErrPostgresRequired = errors.New("command requires STORE_DRIVER=postgres")

// ReplayDLQCmd runs one dead-letter replay pass.
type ReplayDLQCmd struct {
	Batch int `default:"50" help:"Maximum entries to handle."`
}

func (c *ReplayDLQCmd) Run(ctx *Context) error {
	if ctx.App == nil || ctx.App.Postgres == nil {
		return ErrPostgresRequired
	}
	replayer := outbox.NewReplayer(ctx.App.Postgres.Pool(), ctx.Config.DLQMaxRetries, ctx.Config.DLQBaseDelay, ctx.Logger)
	requeued, err := replayer.RunOnce(ctx, c.Batch)
	fmt.Fprintf(ctx.Out, "requeued %d dead-lettered events\n", requeued)
	return err
}
