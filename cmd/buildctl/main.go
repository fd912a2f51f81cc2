// Command buildctl is the operator CLI for apkbuild.
package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI is the root command.
type CLI struct {
	PostgresURL string `name:"postgres-url" env:"APKBUILD_POSTGRES_URL" help:"Postgres connection string."`
	Verbose     bool   `short:"v" help:"Enable debug logging."`

	Keygen   KeygenCmd   `cmd:"" help:"Generate an Ed25519 key pair for signing tokens."`
	Token    TokenCmd    `cmd:"" help:"Mint a bearer token for a user."`
	Complete CompleteCmd `cmd:"" help:"Mark a building build as completed."`
	Fail     FailCmd     `cmd:"" help:"Mark a building build as failed."`
	List     ListCmd     `cmd:"" help:"List a user's builds."`
	Sweep    SweepCmd    `cmd:"" help:"Fail pending builds that were never dispatched."`
}

// Globals are bound into every command's Run.
type Globals struct {
	Log *slog.Logger
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("buildctl"),
		kong.Description("Operate apkbuild builds."),
		kong.UsageOnError(),
	)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	globals := &Globals{Log: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))}

	err := kctx.Run(globals, &cli)
	kctx.FatalIfErrorf(err)
}
