/*
Copyright 2025 Creek Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command creek runs the SQS-compatible message broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/config"
	"github.com/creekmq/creek/lib/kms"
	"github.com/creekmq/creek/lib/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("Command failed.", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}

	app := kingpin.New("creek", "SQS-compatible message queue broker.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the broker.")
	start.Flag("db", "Path to the sqlite database file.").StringVar(&cfg.DBPath)
	start.Flag("listen", "HTTP bind address.").StringVar(&cfg.ListenAddr)
	start.Flag("host", "External URL root used to build queue URLs.").StringVar(&cfg.Host)
	start.Flag("max-retries", "Default delivery attempt ceiling for new queues.").IntVar(&cfg.DefaultMaxRetries)
	start.Flag("session-ttl", "Management session lifetime.").DurationVar(&cfg.SessionTTL)
	kmsBackend := start.Flag("kms", "KMS backend: memory, local or aws.").Default(string(cfg.KMSBackend)).String()
	start.Flag("aws-region", "Region of the AWS KMS endpoint.").StringVar(&cfg.AWSRegion)
	start.Flag("debug", "Enable debug logging.").BoolVar(&cfg.Debug)

	bootstrap := app.Command("bootstrap", "Create the initial admin account.")
	bootstrap.Flag("db", "Path to the sqlite database file.").StringVar(&cfg.DBPath)
	bootstrapEmail := bootstrap.Arg("email", "Admin account email.").Required().String()
	bootstrapPassword := bootstrap.Arg("password", "Admin account password.").Required().String()

	version := app.Command("version", "Print the broker version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.KMSBackend = kms.Backend(*kmsBackend)

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(ctx, cfg, logger))
	case bootstrap.FullCommand():
		return trace.Wrap(onBootstrap(ctx, cfg, logger, *bootstrapEmail, *bootstrapPassword))
	case version.FullCommand():
		fmt.Println(creek.Version)
		return nil
	}
	return trace.BadParameter("unknown command %q", command)
}

func onStart(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	broker, err := service.New(ctx, cfg, logger)
	if err != nil {
		return trace.Wrap(err)
	}
	defer broker.Close()
	return trace.Wrap(broker.Run(ctx))
}

func onBootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger, email, password string) error {
	broker, err := service.New(ctx, cfg, logger)
	if err != nil {
		return trace.Wrap(err)
	}
	defer broker.Close()
	user, err := broker.Identity().CreateUser(ctx, email, password, creek.RoleAdmin, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	logger.InfoContext(ctx, "Created admin account.", "email", user.Email)
	return nil
}
