package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/iotmon/golang_services/internal/command_service/adapters/http/middleware"
	"github.com/iotmon/golang_services/internal/command_service/app"
	"github.com/iotmon/golang_services/internal/command_service/adapters/delayqueue"
	"github.com/iotmon/golang_services/internal/command_service/domain"
	"github.com/iotmon/golang_services/internal/command_service/payload"
	"github.com/iotmon/golang_services/internal/command_service/repository/postgres"
	"github.com/iotmon/golang_services/internal/platform/clock"
	"github.com/iotmon/golang_services/internal/platform/database"
	"github.com/iotmon/golang_services/migrations"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{Use: "migrate", Short: "Schema migration commands"}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			return database.MigrateUp(migrations.FS, cfg.PostgresDSN, log)
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			if steps <= 0 {
				return errors.New("--steps must be positive")
			}
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			return database.MigrateDown(migrations.FS, cfg.PostgresDSN, steps, log)
		},
	}
	downCmd.Flags().Int("steps", 1, "number of migrations to roll back")

	migrateCmd.AddCommand(upCmd, downCmd)
	return migrateCmd
}

type commandEnqueuer interface {
	Enqueue(ctx context.Context, actor domain.Actor, req app.EnqueueRequest) (*domain.QueuedCommand, error)
}

// registerDevice creates the device and, when initial is set, queues its first
// command. The device row and the command record commit or roll back together.
func registerDevice(ctx context.Context, db database.Querier, devices *postgres.PgDeviceRepository, commands commandEnqueuer, device *domain.Device, initial *app.EnqueueRequest) (*domain.QueuedCommand, error) {
	var queued *domain.QueuedCommand
	err := database.RunInTx(ctx, db, func(ctx context.Context) error {
		if err := devices.CreateDevice(ctx, device); err != nil {
			return err
		}
		if initial == nil {
			return nil
		}
		req := *initial
		req.DeviceID = device.ID
		req.InUnitOfWork = true
		cmd, err := commands.Enqueue(ctx, domain.Actor{UserID: device.OwnerID}, req)
		if err != nil {
			return fmt.Errorf("queue initial command: %w", err)
		}
		queued = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queued, nil
}

// parseInitialCommand builds the optional first command from the device add flags.
func parseInitialCommand(commandType, rawPayload, at string) (*app.EnqueueRequest, error) {
	if commandType == "" {
		if rawPayload != "" || at != "" {
			return nil, errors.New("--payload and --at require --command-type")
		}
		return nil, nil
	}
	t := domain.CommandType(commandType)
	if !t.Valid() {
		return nil, fmt.Errorf("invalid --command-type %q", commandType)
	}
	codec := payload.NewCodec(validator.New())
	decoded, err := codec.Decode(t, []byte(rawPayload))
	if err != nil {
		return nil, fmt.Errorf("invalid --payload: %w", err)
	}
	body, err := codec.Encode(decoded)
	if err != nil {
		return nil, err
	}
	req := &app.EnqueueRequest{Type: t, Payload: body}
	if at != "" {
		when, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("invalid --at: %w", err)
		}
		req.At = &when
	}
	return req, nil
}

func newDeviceCmd() *cobra.Command {
	deviceCmd := &cobra.Command{Use: "device", Short: "Device registry commands"}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a device for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerFlag, _ := cmd.Flags().GetString("owner")
			idFlag, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			virtual, _ := cmd.Flags().GetBool("virtual")
			commandType, _ := cmd.Flags().GetString("command-type")
			rawPayload, _ := cmd.Flags().GetString("payload")
			at, _ := cmd.Flags().GetString("at")

			owner, err := uuid.Parse(ownerFlag)
			if err != nil {
				return fmt.Errorf("invalid --owner: %w", err)
			}
			id := uuid.New()
			if idFlag != "" {
				if id, err = uuid.Parse(idFlag); err != nil {
					return fmt.Errorf("invalid --id: %w", err)
				}
			}
			initial, err := parseInitialCommand(commandType, rawPayload, at)
			if err != nil {
				return err
			}

			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), startupTimeout)
			defer cancel()

			pool, err := database.NewDBPool(ctx, cfg.PostgresDSN, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			deviceRepo := postgres.NewPgDeviceRepository(pool, log)
			var commands commandEnqueuer
			if initial != nil {
				redisClient := redis.NewClient(&redis.Options{
					Addr:     cfg.RedisAddr,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				})
				defer redisClient.Close()
				clk := clock.System{}
				queue := delayqueue.NewRedisQueue(redisClient, cfg.RedisQueuePrefix, clk, log)
				commandRepo := postgres.NewPgQueuedCommandRepository(pool, log)
				commands = app.NewCoordinator(commandRepo, queue, deviceRepo, app.OwnerOrAdminPolicy{}, clk, log)
			}

			device := &domain.Device{ID: id, OwnerID: owner, Name: name, IsVirtual: virtual}
			queued, err := registerDevice(ctx, pool, deviceRepo, commands, device, initial)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), device.ID)
			if queued != nil {
				fmt.Fprintln(cmd.OutOrStdout(), queued.ID)
			}
			return nil
		},
	}
	addCmd.Flags().String("id", "", "device id (generated when empty)")
	addCmd.Flags().String("owner", "", "owning user id")
	addCmd.Flags().String("name", "", "display name")
	addCmd.Flags().Bool("virtual", false, "simulated device without a transport channel")
	addCmd.Flags().String("command-type", "", "queue an initial command of this type")
	addCmd.Flags().String("payload", "", "initial command payload as JSON")
	addCmd.Flags().String("at", "", "initial command delivery time (RFC3339, immediate when empty)")
	_ = addCmd.MarkFlagRequired("owner")
	_ = addCmd.MarkFlagRequired("name")

	deviceCmd.AddCommand(addCmd)
	return deviceCmd
}

// newTokenCmd mints access tokens signed with the configured secret, for local testing.
func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			userFlag, _ := cmd.Flags().GetString("user")
			admin, _ := cmd.Flags().GetBool("admin")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			userID, err := uuid.Parse(userFlag)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}

			claims := jwt.MapClaims{
				middleware.ClaimSubject: userID.String(),
				middleware.ClaimIsAdmin: admin,
				"exp":                   time.Now().Add(ttl).Unix(),
				"iat":                   time.Now().Unix(),
			}
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTAccessSecret))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	tokenCmd.Flags().String("user", "", "user id for the sub claim")
	tokenCmd.Flags().Bool("admin", false, "grant admin access")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	return tokenCmd
}
