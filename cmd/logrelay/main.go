package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := loadEnvFile(os.Getenv("LOGRELAY_ENV_FILE")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:  "logrelay",
		Usage: "Ship log records to SQS or Kafka without blocking the producer",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Relay log lines read from a file or stdin",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:      "send",
				Usage:     "Deliver one record synchronously",
				ArgsUsage: "<message>",
				Flags:     sendFlags(),
				Action:    send,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFile loads variables from path, or from ./.env when path is empty,
// without overriding variables already set. A missing default file is not an
// error.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}

	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("failed to load env file %q: %w", path, err)
}
