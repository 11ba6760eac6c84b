package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lojhan/twolevel/internal/admin"
	"github.com/lojhan/twolevel/internal/command"
	"github.com/lojhan/twolevel/internal/config"
	"github.com/lojhan/twolevel/internal/logging"
	"github.com/lojhan/twolevel/internal/metrics"
	"github.com/lojhan/twolevel/internal/persistence"
	"github.com/lojhan/twolevel/internal/resp"
	"github.com/lojhan/twolevel/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:], nil)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	opts := command.Options{
		Capacity:     cfg.Capacity,
		HashFunction: cfg.HashFunction,
		SnapshotFile: cfg.SnapshotFile,
		RedisTimeout: cfg.RedisTimeout,
		Logger:       logger,
	}

	if cfg.RedisAddr != "" {
		redis := persistence.NewRedisStore(persistence.RedisOptions{
			Addr:        cfg.RedisAddr,
			Compress:    cfg.RedisCompress,
			DialTimeout: cfg.RedisTimeout,
		})
		defer func() { err = multierr.Append(err, redis.Close()) }()
		opts.Redis = redis
		logger.Info("redis persistence enabled", zap.String("addr", cfg.RedisAddr), zap.Bool("compress", cfg.RedisCompress))
	}

	engine, err := command.NewEngine(opts)
	if err != nil {
		return err
	}
	defer engine.Wait()

	if cfg.AppendOnly {
		var aof *persistence.AOFWriter
		if aof, err = restoreFromAOF(cfg, engine, logger); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, aof.Close()) }()
	} else if err := restoreFromSnapshot(cfg, engine, logger); err != nil {
		return err
	}

	m := metrics.New(engine)
	srv := server.New(engine, server.Config{
		Addr:      cfg.Addr,
		Multicore: cfg.Multicore,
		Observer:  m,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	if cfg.AdminAddr != "" {
		adm := admin.New(cfg.AdminAddr, engine, m.Handler(), logger)
		g.Go(func() error {
			return adm.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutting down", zap.Any("stats", engine.Stats()))
	return nil
}

func restoreFromAOF(cfg config.Config, engine *command.Engine, logger *zap.Logger) (*persistence.AOFWriter, error) {
	n, err := persistence.LoadAOF(cfg.AppendFile, engine.Execute)
	if err != nil {
		return nil, fmt.Errorf("failed to replay %s: %w", cfg.AppendFile, err)
	}
	logger.Info("AOF replayed", zap.String("path", cfg.AppendFile), zap.Int("commands", n), zap.Any("stats", engine.Stats()))

	policy, err := persistence.ParseSyncPolicy(cfg.AppendFsync)
	if err != nil {
		return nil, err
	}
	aof, err := persistence.NewAOFWriter(cfg.AppendFile, policy, logger)
	if err != nil {
		return nil, err
	}
	engine.SetAOFWriter(aof)
	logger.Info("AOF logging enabled", zap.String("appendfsync", string(policy)))
	return aof, nil
}

func restoreFromSnapshot(cfg config.Config, engine *command.Engine, logger *zap.Logger) error {
	if _, err := os.Stat(cfg.SnapshotFile); errors.Is(err, os.ErrNotExist) {
		logger.Info("no snapshot found, starting with an empty table", zap.String("path", cfg.SnapshotFile))
		return nil
	}

	if reply := engine.Execute(resp.Command("LOAD")); reply.Type == resp.Error {
		return fmt.Errorf("failed to load %s: %s", cfg.SnapshotFile, reply.Str)
	}
	logger.Info("snapshot loaded", zap.String("path", cfg.SnapshotFile), zap.Any("stats", engine.Stats()))
	return nil
}
