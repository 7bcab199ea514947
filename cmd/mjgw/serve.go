package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/waule/mjgateway/internal/account"
	"github.com/waule/mjgateway/internal/api"
	"github.com/waule/mjgateway/internal/cluster"
	"github.com/waule/mjgateway/internal/config"
	"github.com/waule/mjgateway/internal/db"
	"github.com/waule/mjgateway/internal/gateway"
	"github.com/waule/mjgateway/internal/models"
	"github.com/waule/mjgateway/internal/pool"
	"github.com/waule/mjgateway/internal/service"
	"github.com/waule/mjgateway/internal/storage"
	"github.com/waule/mjgateway/internal/task"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  "Connects every active account, serves task submission and lookup, and keeps running until interrupted. With cluster mode enabled, only lock-holding processes open sockets; the rest forward submissions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mjgw.yaml", "path to config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.Migrate(gormDB); err != nil {
		return err
	}

	accts, err := account.Active(gormDB)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	store := task.NewStore(rdb, 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var coord *cluster.Coordinator
	if cfg.Cluster.Enabled {
		coord = cluster.New(rdb,
			cluster.WithTTL(time.Duration(cfg.Cluster.LockTTLSec)*time.Second),
			cluster.WithRenewEvery(time.Duration(cfg.Cluster.RenewEverySec)*time.Second),
			cluster.WithForwardTimeout(time.Duration(cfg.Cluster.ForwardTimeout)*time.Second),
		)
	}

	usage := account.Recorder{DB: gormDB}
	conns, owned, err := buildConns(ctx, cfg, accts, store, usage, coord)
	if err != nil {
		return err
	}
	defer func() {
		for _, id := range owned {
			if rerr := coord.Release(context.Background(), id); rerr != nil {
				log.Print(rerr)
			}
		}
	}()

	p := pool.New(conns)
	defer p.Shutdown()
	if len(conns) > 0 {
		if err := p.Init(ctx); err != nil {
			if coord == nil {
				return err
			}
			log.Printf("serve: %v (continuing in follower mode)", err)
		}
	} else if coord == nil {
		return errors.New("serve: no active accounts; add one with `mjgw accounts add`")
	}

	svc := service.New(store, p, coord)
	if coord != nil && len(conns) > 0 {
		go coord.ServeForwards(ctx, svc.HandleForward)
	}

	sweeper := cron.New()
	maxAge := time.Duration(cfg.Sweep.MaxAgeMin) * time.Minute
	if _, err := sweeper.AddFunc(cfg.Sweep.Cron, func() {
		if n, err := store.Sweep(ctx, maxAge); err != nil {
			log.Printf("serve: sweep: %v", err)
		} else if n > 0 {
			log.Printf("serve: swept %d stale tasks", n)
		}
	}); err != nil {
		return fmt.Errorf("serve: sweep schedule %q: %w", cfg.Sweep.Cron, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mjgw serving: %d/%d accounts connected\n", len(conns), len(accts))

	if cfg.API.Enabled {
		return api.Start(ctx, api.StartOpts{
			Service: svc,
			Store:   store,
			Port:    cfg.API.Port,
			Out:     out,
		})
	}
	<-ctx.Done()
	return nil
}

// buildConns creates a connection for every account this process may own.
// In cluster mode an account is skipped unless its lock is won here; lock
// loss tears the socket down so two processes never drive one account.
func buildConns(ctx context.Context, cfg *config.Config, accts []models.Account, store *task.Store, usage account.Recorder, coord *cluster.Coordinator) ([]pool.Conn, []int64, error) {
	var conns []pool.Conn
	var owned []int64

	for _, a := range accts {
		if coord != nil {
			ok, err := coord.TryAcquire(ctx, a.ID)
			if err != nil {
				return nil, owned, err
			}
			if !ok {
				log.Printf("serve: account %s owned elsewhere, following", a.DisplayName())
				continue
			}
		}

		acctID := a.ID
		conn, err := gateway.New(gateway.Config{
			GatewayURL:       cfg.Discord.GatewayURL,
			BotID:            cfg.Discord.BotID,
			UserToken:        a.UserToken,
			GuildID:          a.GuildID,
			ChannelID:        a.ChannelID,
			AccountID:        acctID,
			AccountName:      a.DisplayName(),
			ImagineCommandID: cfg.Discord.ImagineCommandID,
			ImagineVersionID: cfg.Discord.ImagineVersionID,
			ConnectTimeout:   time.Duration(cfg.Discord.ConnectTimeout) * time.Second,
		}, store, storage.Passthrough{}, usage, func(err error) {
			log.Printf("serve: account %d unrecoverable: %v", acctID, err)
			if coord != nil {
				coord.Release(context.Background(), acctID)
			}
		})
		if err != nil {
			if coord != nil {
				coord.Release(context.Background(), acctID)
			}
			log.Printf("serve: skipping account %s: %v", a.DisplayName(), err)
			continue
		}

		if coord != nil {
			owned = append(owned, acctID)
			c := conn
			coord.StartRenewal(ctx, acctID, func() {
				log.Printf("serve: lost lock for account %d, closing its socket", acctID)
				c.Disconnect()
			})
		}
		conns = append(conns, conn)
	}
	return conns, owned, nil
}
