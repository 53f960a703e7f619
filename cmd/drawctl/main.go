// Command drawctl is a terminal client for a drawsync room. It joins the room
// like any editor would, so its edits and presence are visible to everyone
// else in it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drawsync/session"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "Relay address, empty works offline",
			Sources: cli.EnvVars("DRAWSYNC_SERVER_URL"),
		},
		&cli.StringFlag{
			Name:    "room",
			Aliases: []string{"r"},
			Usage:   "Room to join",
			Value:   session.DefaultRoom,
			Sources: cli.EnvVars("DRAWSYNC_ROOM"),
		},
		&cli.StringFlag{
			Name:    "upload",
			Usage:   "Asset upload endpoint, empty keeps images embedded",
			Sources: cli.EnvVars("DRAWSYNC_UPLOAD_URL"),
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "Name shown to other participants",
			Value: "drawctl",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the relay",
			Value: 10 * time.Second,
		},
		&cli.StringFlag{
			Name:  "loglevel",
			Usage: "Set the logging level: debug, info, warn, error",
			Value: "warn",
		},
	}
}

func configFrom(cmd *cli.Command) (clientConfig, error) {
	level, err := logrus.ParseLevel(cmd.String("loglevel"))
	if err != nil {
		return clientConfig{}, fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	cfg := session.ConfigFromEnv()
	cfg.ServerURL = cmd.String("server")
	cfg.Room = cmd.String("room")
	cfg.UploadURL = cmd.String("upload")
	return clientConfig{
		Session: cfg,
		Name:    cmd.String("name"),
		Timeout: cmd.Duration("timeout"),
	}, nil
}

// withClient opens a client for the duration of fn and flushes its edits to
// the relay before leaving.
func withClient(fn func(ctx context.Context, c *client, cmd *cli.Command) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := configFrom(cmd)
		if err != nil {
			return err
		}
		c, err := openClient(ctx, cfg, os.Stdout)
		if err != nil {
			return err
		}
		defer c.Close(ctx)
		return fn(ctx, c, cmd)
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "drawctl",
		Usage: "Inspect and edit a shared drawing room",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "Print the room content as JSON",
				Flags: commonFlags(),
				Action: withClient(func(ctx context.Context, c *client, cmd *cli.Command) error {
					return c.List()
				}),
			},
			{
				Name:      "insert",
				Usage:     "Insert an image or video into the room",
				ArgsUsage: "<file>",
				Flags:     commonFlags(),
				Action: withClient(func(ctx context.Context, c *client, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("insert expects one file")
					}
					return c.Insert(ctx, cmd.Args().Get(0))
				}),
			},
			{
				Name:      "replace",
				Usage:     "Point an image shape at a new file",
				ArgsUsage: "<shape-id> <file>",
				Flags:     commonFlags(),
				Action: withClient(func(ctx context.Context, c *client, cmd *cli.Command) error {
					if cmd.Args().Len() != 2 {
						return fmt.Errorf("replace expects a shape id and a file")
					}
					return c.Replace(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
				}),
			},
			{
				Name:  "watch",
				Usage: "Print a line whenever the room or its participants change",
				Flags: commonFlags(),
				Action: withClient(func(ctx context.Context, c *client, cmd *cli.Command) error {
					return c.Watch(ctx)
				}),
			},
			{
				Name:  "shell",
				Usage: "Edit interactively, with undo and redo",
				Flags: commonFlags(),
				Action: withClient(func(ctx context.Context, c *client, cmd *cli.Command) error {
					return c.Shell(ctx, os.Stdin)
				}),
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		logrus.WithError(err).Error("drawctl failed")
		os.Exit(1)
	}
}
