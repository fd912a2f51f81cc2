package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/apkbuild/internal/app"
	"github.com/k11v/apkbuild/internal/auth"
	"github.com/k11v/apkbuild/internal/build"
	"github.com/k11v/apkbuild/internal/build/buildpg"
)

var stdout io.Writer = os.Stdout

type KeygenCmd struct {
	Dir string `short:"d" help:"Directory to write private.pem and public.pem to." default:"."`
}

func (c *KeygenCmd) Run(g *Globals) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	privPEM, err := auth.EncodePrivateKey(priv)
	if err != nil {
		return err
	}
	pubPEM, err := auth.EncodePublicKey(pub)
	if err != nil {
		return err
	}

	privPath := filepath.Join(c.Dir, "private.pem")
	if err = os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return err
	}
	pubPath := filepath.Join(c.Dir, "public.pem")
	if err = os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return err
	}

	g.Log.Info("wrote key pair", "private", privPath, "public", pubPath)
	return nil
}

type TokenCmd struct {
	User           string        `arg:"" help:"User ID to put in the subject claim."`
	PrivateKeyFile string        `name:"private-key-file" env:"APKBUILD_AUTH_PRIVATE_KEY_FILE" required:"" type:"existingfile"`
	Issuer         string        `env:"APKBUILD_AUTH_ISSUER"`
	Audience       string        `env:"APKBUILD_AUTH_AUDIENCE"`
	TTL            time.Duration `name:"ttl" env:"APKBUILD_AUTH_TOKEN_TTL"`
}

func (c *TokenCmd) Run(g *Globals) error {
	signer, err := auth.NewSignerFromConfig(&auth.Config{
		Issuer:         c.Issuer,
		Audience:       c.Audience,
		TokenTTL:       c.TTL,
		PrivateKeyFile: c.PrivateKeyFile,
	})
	if err != nil {
		return err
	}

	token, err := signer.Sign(c.User)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

type CompleteCmd struct {
	ID          string `arg:"" help:"Build ID."`
	DownloadURL string `name:"download-url" required:"" help:"Where the packaged application can be downloaded, http(s) or s3."`
}

func (c *CompleteCmd) Run(g *Globals, cli *CLI) error {
	return complete(g, cli, &build.CompleteBuildParams{
		ID:          c.ID,
		Status:      build.StatusCompleted,
		DownloadURL: c.DownloadURL,
	})
}

type FailCmd struct {
	ID      string `arg:"" help:"Build ID."`
	Message string `short:"m" help:"Error message shown to the user."`
}

func (c *FailCmd) Run(g *Globals, cli *CLI) error {
	return complete(g, cli, &build.CompleteBuildParams{
		ID:           c.ID,
		Status:       build.StatusFailed,
		ErrorMessage: c.Message,
	})
}

func complete(g *Globals, cli *CLI, params *build.CompleteBuildParams) error {
	ctx := context.Background()
	pool, err := connect(cli)
	if err != nil {
		return err
	}
	defer pool.Close()

	builds := build.NewService(&build.Config{}, buildpg.NewDatabase(pool), nil, nil, nil, g.Log)
	b, err := builds.CompleteBuild(ctx, params)
	if err != nil {
		return err
	}
	return printBuilds([]*build.Build{b})
}

type ListCmd struct {
	User string `arg:"" help:"Owner user ID."`
}

func (c *ListCmd) Run(g *Globals, cli *CLI) error {
	ctx := context.Background()
	pool, err := connect(cli)
	if err != nil {
		return err
	}
	defer pool.Close()

	database := buildpg.NewDatabase(pool)
	builds, err := database.ListBuilds(ctx, &build.DatabaseListBuildsParams{OwnerID: c.User})
	if err != nil {
		return err
	}
	if err = printBuilds(builds); err != nil {
		return err
	}

	total, err := database.TotalDownloads(ctx, c.User)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "\ntotal downloads: %d\n", total)
	return err
}

type SweepCmd struct {
	OlderThan time.Duration `name:"older-than" default:"10m" help:"Fail pending builds created before this long ago."`
}

func (c *SweepCmd) Run(g *Globals, cli *CLI) error {
	ctx := context.Background()
	pool, err := connect(cli)
	if err != nil {
		return err
	}
	defer pool.Close()

	builds := build.NewService(&build.Config{}, buildpg.NewDatabase(pool), nil, nil, nil, g.Log)
	n, err := builds.SweepStaleBuilds(ctx, c.OlderThan)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "swept %d builds\n", n)
	return err
}

func connect(cli *CLI) (*pgxpool.Pool, error) {
	if cli.PostgresURL == "" {
		return nil, errors.New("missing --postgres-url or APKBUILD_POSTGRES_URL")
	}
	return app.NewPostgresPool(context.Background(), cli.PostgresURL)
}

func printBuilds(builds []*build.Build) error {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tAPP\tDOWNLOADS\tVIEWS\tCREATED\tDETAIL")
	for _, b := range builds {
		detail := ""
		switch {
		case b.DownloadURL != nil:
			detail = *b.DownloadURL
		case b.ErrorMessage != nil:
			detail = *b.ErrorMessage
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			b.ID, b.Status, b.AppName, b.DownloadCount, b.ViewCount, b.CreatedAt.Format(time.RFC3339), detail)
	}
	return w.Flush()
}
