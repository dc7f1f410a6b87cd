// Command stakeswapctl is the participant-side tool for stakeswap: it manages
// identity keys, computes commitments, seals content, and drives exchanges
// through the signed HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/alanyoungcy/stakeswap/internal/client"
	"github.com/alanyoungcy/stakeswap/internal/crypto"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "stakeswapctl",
		Usage: "Trade resources on a stakeswap server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Usage:   "stakeswap API base URL",
				EnvVars: []string{"STAKESWAP_API"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "hex identity key (wins over --key-file)",
				EnvVars: []string{"STAKESWAP_PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "key-file",
				Usage:   "encrypted identity key file",
				EnvVars: []string{"STAKESWAP_KEY_FILE"},
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "password of --key-file",
				EnvVars: []string{"STAKESWAP_KEY_PASSWORD"},
			},
		},
		Commands: []*cli.Command{
			keyCmd,
			secretCmd,
			contentCmd,
			ledgerCmd,
			exchangeCmd,
			userCmd,
		},
	}
}

// loadSigner resolves the identity key from the global flags.
func loadSigner(cctx *cli.Context) (*crypto.Signer, error) {
	pk, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey: cctx.String("private-key"),
		KeyFilePath:   cctx.String("key-file"),
		KeyPassword:   cctx.String("password"),
	})
	if err != nil {
		return nil, err
	}
	return crypto.NewSigner(pk), nil
}

// signedClient returns an API client that signs as the configured identity.
func signedClient(cctx *cli.Context) (*client.Client, error) {
	s, err := loadSigner(cctx)
	if err != nil {
		return nil, err
	}
	return client.New(cctx.String("api"), s, nil), nil
}

// anonClient returns an API client for public reads.
func anonClient(cctx *cli.Context) *client.Client {
	return client.New(cctx.String("api"), nil, nil)
}

func printJSON(cctx *cli.Context, v any) error {
	enc := json.NewEncoder(cctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
