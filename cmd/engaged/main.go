// engaged runs the engagement counter daemon: it keeps the fast-store
// counters reconciled into the durable store on a fixed interval and
// exposes one-shot maintenance commands for operators.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openlms/engage/durable"
	"github.com/openlms/engage/env"
	"github.com/openlms/engage/logger"
	"github.com/openlms/engage/reconcile"
	"github.com/openlms/engage/resilience"
	"github.com/openlms/engage/settings"
	"github.com/openlms/engage/store"
)

type deps struct {
	log  logger.Logger
	fast store.Store
	db   *durable.SQL
	done func()
}

func open(ctx context.Context, cmd *cobra.Command) (*deps, error) {
	log := env.NewLogger(cmd)

	addr := env.FlagOrEnv(cmd, "redis", "ENGAGE_REDIS_ADDR", "localhost:6379")
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: env.String("ENGAGE_REDIS_PASSWORD", ""),
		DB:       env.Int("ENGAGE_REDIS_DB", 0),
	})
	fast := store.NewRedis(client, store.WithBreaker(resilience.New(resilience.DefaultConfig())))
	if err := fast.Ping(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "fast store unreachable at %s", addr)
	}

	var db *durable.SQL
	var err error
	switch driver := env.String("ENGAGE_DB_DRIVER", "sqlite"); driver {
	case "postgres":
		db, err = durable.NewPostgres(env.String("ENGAGE_DB_DSN", ""))
	case "sqlite":
		db, err = durable.NewSQLite(env.String("ENGAGE_DB_PATH", "engage.db"))
	default:
		err = errors.Newf("unknown database driver %q", driver)
	}
	if err != nil {
		client.Close()
		return nil, err
	}

	return &deps{
		log:  log,
		fast: fast,
		db:   db,
		done: func() {
			db.Close()
			client.Close()
		},
	}, nil
}

func jobs(d *deps) []*reconcile.Job {
	staleness := env.Duration("ENGAGE_STALENESS", reconcile.DefaultStaleness)
	return []*reconcile.Job{
		reconcile.PostLikes(d.fast, d.db, d.log, reconcile.WithStaleness(staleness)),
		reconcile.CommentLikes(d.fast, d.db, d.log, reconcile.WithStaleness(staleness)),
		reconcile.PostVotes(d.fast, d.db, d.log, reconcile.WithStaleness(staleness)),
	}
}

var rootCmd = &cobra.Command{
	Use:   "engaged",
	Short: "Engagement counter daemon",
	Long:  "Reconciles the fast-store engagement counters into the durable store on a fixed interval.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := open(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.done()

		interval := env.Duration("ENGAGE_RECONCILE_INTERVAL", reconcile.DefaultInterval)
		g, ctx := errgroup.WithContext(ctx)
		for _, job := range jobs(d) {
			s := reconcile.NewScheduler(interval, d.log, job)
			g.Go(func() error { return s.Start(ctx) })
		}
		d.log.Info("engaged running, reconciling every %s", interval)

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		d.log.Info("shutting down")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single reconciliation pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := open(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.done()

		m := reconcile.NewScheduler(0, d.log, jobs(d)...).RunOnce(ctx)
		if m.Failed > 0 {
			return errors.Newf("%d of %d entities failed to reconcile", m.Failed, m.Scanned)
		}
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect or change the cached site settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := open(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.done()

		rec, err := settings.New(d.fast, d.db, d.log).Get(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("forums_enabled=%t\n", rec.ForumsEnabled)
		fmt.Printf("posts_enabled=%t\n", rec.PostsEnabled)
		fmt.Printf("comments_enabled=%t\n", rec.CommentsEnabled)
		fmt.Printf("likes_enabled=%t\n", rec.LikesEnabled)
		fmt.Printf("voting_enabled=%t\n", rec.VotingEnabled)
		fmt.Printf("maintenance_mode=%t\n", rec.MaintenanceMode)
		fmt.Printf("max_upload_mb=%d\n", rec.MaxUploadMB)
		if rec.UpdatedBy != "" {
			fmt.Printf("updated_by=%s updated_at=%s\n", rec.UpdatedBy, rec.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set field=value [field=value ...]",
	Short: "Update settings fields and invalidate both cache tiers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := make(map[string]any, len(args))
		for _, arg := range args {
			name, raw, ok := strings.Cut(arg, "=")
			if !ok {
				return errors.Newf("expected field=value, got %q", arg)
			}
			if b, err := strconv.ParseBool(raw); err == nil {
				fields[name] = b
			} else if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				fields[name] = n
			} else {
				return errors.Newf("value %q for %s is neither bool nor integer", raw, name)
			}
		}

		ctx := context.Background()
		d, err := open(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.done()

		by, _ := cmd.Flags().GetString("by")
		cache := settings.New(d.fast, d.db, d.log)
		if _, err := cache.Get(ctx); err != nil {
			return err
		}
		return cache.Update(ctx, fields, durable.Audit{UpdatedBy: by})
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("redis", "", "fast store address (overrides ENGAGE_REDIS_ADDR)")
	settingsSetCmd.Flags().String("by", "cli", "identity recorded in the audit columns")
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
	rootCmd.AddCommand(syncCmd, settingsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
