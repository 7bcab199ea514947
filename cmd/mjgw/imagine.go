package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/waule/mjgateway/internal/account"
	"github.com/waule/mjgateway/internal/config"
	"github.com/waule/mjgateway/internal/db"
	"github.com/waule/mjgateway/internal/pool"
	"github.com/waule/mjgateway/internal/service"
	"github.com/waule/mjgateway/internal/task"
)

// newImagineCmd is the one-shot path: connect, submit a prompt, wait for
// the result, print it, disconnect. Useful for smoke-testing an account
// without running serve.
func newImagineCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		timeoutSec int
	)

	cmd := &cobra.Command{
		Use:   "imagine <prompt>",
		Short: "Submit one prompt and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImagine(cmd, configPath, userID, args[0], timeoutSec)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mjgw.yaml", "path to config file")
	cmd.Flags().StringVar(&userID, "user", "cli", "user id the task is attributed to")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 300, "seconds to wait for completion")
	return cmd
}

func runImagine(cmd *cobra.Command, configPath, userID, prompt string, timeoutSec int) error {
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
	if len(accts) == 0 {
		return errors.New("no active accounts; add one with `mjgw accounts add`")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	store := task.NewStore(rdb, 0)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	conns, _, err := buildConns(ctx, cfg, accts, store, account.Recorder{DB: gormDB}, nil)
	if err != nil {
		return err
	}
	p := pool.New(conns)
	defer p.Shutdown()
	if err := p.Init(ctx); err != nil {
		return err
	}

	svc := service.New(store, p, nil)
	taskID, err := svc.Submit(ctx, userID, "", prompt)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task %s submitted, waiting...\n", taskID)

	t, err := svc.WaitForTask(ctx, taskID, time.Duration(timeoutSec)*time.Second)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Done: %s\n", t.ResultURL)
	for _, b := range t.Buttons {
		fmt.Fprintf(out, "  control: %s  %s\n", b.Label, b.CustomID)
	}
	return nil
}
