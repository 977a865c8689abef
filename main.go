package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/fedtube/activitypub"
	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/deemkeen/fedtube/util"
	"github.com/deemkeen/fedtube/web"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:           util.Name,
	Short:         "Federation core of a video sharing instance",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func main() {
	rootCmd.AddCommand(serveCmd(), migrateCmd(), pruneCmd(), actorCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, inbox queue and delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(conf *util.AppConfig, database *db.DB, logger *zap.Logger) error {
				return ensureInstanceActor(cmd.Context(), database, conf.Conf.SslDomain, logger)
			})
		},
	}
}

func pruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop processed activities from the replay log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(conf *util.AppConfig, database *db.DB, logger *zap.Logger) error {
				n, err := database.PruneActivities(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return fmt.Errorf("prune activities: %w", err)
				}
				logger.Info("Pruned activity log", zap.Int64("removed", n), zap.Duration("olderThan", olderThan))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest processed activity to keep")
	return cmd
}

func actorCmd() *cobra.Command {
	var channel bool
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local actors",
	}
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a local account, or a video channel with --channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(conf *util.AppConfig, database *db.DB, logger *zap.Logger) error {
				actorType, path := domain.ActorPerson, "accounts"
				if channel {
					actorType, path = domain.ActorGroup, "video-channels"
				}
				actor, err := createLocalActor(cmd.Context(), database, conf.Conf.SslDomain, path, args[0], actorType)
				if err != nil {
					return err
				}
				logger.Info("Created local actor", zap.String("url", actor.URL), zap.String("type", string(actor.Type)))
				return nil
			})
		},
	}
	add.Flags().BoolVar(&channel, "channel", false, "create a video channel (Group) instead of an account")
	cmd.AddCommand(add)
	return cmd
}

func withDB(f func(conf *util.AppConfig, database *db.DB, logger *zap.Logger) error) error {
	conf, err := util.ReadConf()
	if err != nil {
		return err
	}
	logger := util.NewLogger(conf)
	defer logger.Sync()

	database, err := db.Open(util.ResolveFilePath(conf.Database.Path), conf.Database.MaxTxRetries, logger)
	if err != nil {
		return err
	}
	defer database.Close()
	return f(conf, database, logger)
}

func serve(ctx context.Context) error {
	return withDB(func(conf *util.AppConfig, database *db.DB, logger *zap.Logger) error {
		logger.Info("Starting", zap.String("version", util.GetNameAndVersion()), zap.String("domain", conf.Conf.SslDomain))

		if err := ensureInstanceActor(ctx, database, conf.Conf.SslDomain, logger); err != nil {
			return err
		}

		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := activitypub.NewMetrics(registry)

		fed := conf.Federation
		resolver, err := activitypub.NewActorResolver(database, fed.ActorCacheSize, fed.ActorRefreshInterval, logger)
		if err != nil {
			return err
		}
		outbox := activitypub.NewOutbox(conf.Conf.SslDomain, logger)
		coordinator := activitypub.NewCoordinator(database, metrics, logger)
		follows := activitypub.NewFollowService(database, outbox, coordinator, activitypub.FollowOptions{
			AutoAcceptFollowers: fed.AutoAcceptFollowers,
			RedundancyEnabled:   fed.RedundancyEnabled,
		}, logger)
		content := activitypub.NewContentStore(database, resolver, fed.RedundancyEnabled, logger)
		processor := activitypub.NewProcessor(database, resolver, follows, content, metrics, logger)
		queue := activitypub.NewQueue(processor, fed.QueueCapacity, metrics, logger)
		delivery := activitypub.NewDeliveryWorker(database, fed.DeliveryInterval, metrics, logger)

		server := web.NewServer(conf, web.Deps{
			DB:       database,
			Inbox:    activitypub.NewInbox(queue, metrics, logger),
			Auth:     activitypub.NewAuthenticator(resolver, logger),
			Follows:  follows,
			Actors:   resolver,
			Outbox:   outbox,
			Cleanup:  coordinator,
			Gatherer: registry,
		}, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return queue.Run(gctx) })
		g.Go(func() error { return delivery.Run(gctx) })
		g.Go(func() error { return coordinator.RunReconciler(gctx, fed.ReconcileInterval) })
		g.Go(func() error { return server.Run(gctx) })

		err = g.Wait()
		coordinator.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		logger.Info("Stopped", zap.Int("pendingTasks", queue.Len()))
		return err
	})
}

// ensureInstanceActor creates the Application actor other instances follow.
func ensureInstanceActor(ctx context.Context, database *db.DB, sslDomain string, logger *zap.Logger) error {
	_, err := database.ReadLocalActor(ctx, domain.ServerActorName, domain.ActorApplication)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("read instance actor: %w", err)
	}
	actor, err := createLocalActor(ctx, database, sslDomain, "accounts", domain.ServerActorName, domain.ActorApplication)
	if err != nil {
		return err
	}
	logger.Info("Created instance actor", zap.String("url", actor.URL))
	return nil
}

func createLocalActor(ctx context.Context, database *db.DB, sslDomain, path, name string, actorType domain.ActorType) (*domain.Actor, error) {
	keys, err := util.GeneratePemKeypair(2048)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	url := fmt.Sprintf("https://%s/%s/%s", sslDomain, path, name)
	now := time.Now()
	actor := &domain.Actor{
		Id:            uuid.New(),
		Type:          actorType,
		URL:           url,
		Username:      name,
		InboxURL:      url + "/inbox",
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
		CreatedAt:     now,
		LastFetchedAt: now,
	}
	if err := database.CreateActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("create actor %s: %w", url, err)
	}
	return actor, nil
}
