package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/alanyoungcy/stakeswap/internal/crypto"
)

var keyCmd = &cli.Command{
	Name:  "key",
	Usage: "Manage identity keys",
	Subcommands: []*cli.Command{
		keyNew,
		keyShow,
	},
}

var keyNew = &cli.Command{
	Name:  "new",
	Usage: "Generate an identity key and write it encrypted to --out",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Usage: "key file to create", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		password := cctx.String("password")
		if password == "" {
			return errors.New("--password is required to encrypt the key file")
		}
		pk, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		data, err := crypto.EncryptKey(pk, password)
		if err != nil {
			return err
		}
		if err := os.WriteFile(cctx.String("out"), data, 0o600); err != nil {
			return fmt.Errorf("writing key file: %w", err)
		}
		fmt.Fprintln(cctx.App.Writer, crypto.NewSigner(pk).Address().Hex())
		return nil
	},
}

var keyShow = &cli.Command{
	Name:  "show",
	Usage: "Print the address and public key of the configured identity",
	Action: func(cctx *cli.Context) error {
		s, err := loadSigner(cctx)
		if err != nil {
			return err
		}
		return printJSON(cctx, map[string]string{
			"address":    s.Address().Hex(),
			"public_key": "0x" + hex.EncodeToString(s.PublicKey()),
		})
	},
}

var secretCmd = &cli.Command{
	Name:  "secret",
	Usage: "Commit-reveal helpers",
	Subcommands: []*cli.Command{
		{
			Name:  "new",
			Usage: "Generate a random commitment secret",
			Action: func(cctx *cli.Context) error {
				s, err := crypto.NewSecret()
				if err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, s.Hex())
				return nil
			},
		},
		{
			Name:      "hash",
			Usage:     "Compute the commitment hash binding a secret to an exchange and committer",
			ArgsUsage: "<exchange-id> <committer> <secret>",
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 3 {
					return fmt.Errorf("expected 3 arguments, got %d", cctx.NArg())
				}
				id, err := parseID(cctx.Args().Get(0))
				if err != nil {
					return err
				}
				committer, err := parseAddress(cctx.Args().Get(1))
				if err != nil {
					return err
				}
				secret, err := crypto.ParseSecret(cctx.Args().Get(2))
				if err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, crypto.CommitmentHash(id, committer, secret).Hex())
				return nil
			},
		},
	},
}

var contentCmd = &cli.Command{
	Name:  "content",
	Usage: "Seal, open and exchange content keys",
	Subcommands: []*cli.Command{
		{
			Name:  "seal",
			Usage: "Encrypt a file into a content envelope and print the content key",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "in", Required: true},
				&cli.StringFlag{Name: "out", Required: true},
			},
			Action: func(cctx *cli.Context) error {
				plain, err := os.ReadFile(cctx.String("in"))
				if err != nil {
					return err
				}
				envelope, key, err := crypto.SealContent(plain)
				if err != nil {
					return err
				}
				if err := os.WriteFile(cctx.String("out"), envelope, 0o600); err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, "0x"+hex.EncodeToString(key))
				return nil
			},
		},
		{
			Name:  "open",
			Usage: "Decrypt a content envelope with its key",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "in", Required: true},
				&cli.StringFlag{Name: "out", Required: true},
				&cli.StringFlag{Name: "key", Usage: "hex content key", Required: true},
			},
			Action: func(cctx *cli.Context) error {
				envelope, err := os.ReadFile(cctx.String("in"))
				if err != nil {
					return err
				}
				key, err := decodeHex(cctx.String("key"))
				if err != nil {
					return err
				}
				plain, err := crypto.OpenContent(envelope, key)
				if err != nil {
					return err
				}
				return os.WriteFile(cctx.String("out"), plain, 0o600)
			},
		},
		{
			Name:      "wrap",
			Usage:     "Wrap a content key to a recipient's public key",
			ArgsUsage: "<content-key> <recipient-public-key>",
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 2 {
					return fmt.Errorf("expected 2 arguments, got %d", cctx.NArg())
				}
				key, err := decodeHex(cctx.Args().Get(0))
				if err != nil {
					return err
				}
				pub, err := decodeHex(cctx.Args().Get(1))
				if err != nil {
					return err
				}
				wrapped, err := crypto.WrapKey(key, pub)
				if err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, "0x"+hex.EncodeToString(wrapped))
				return nil
			},
		},
		{
			Name:      "unwrap",
			Usage:     "Unwrap a key grant with the configured identity",
			ArgsUsage: "<wrapped-key>",
			Action: func(cctx *cli.Context) error {
				s, err := loadSigner(cctx)
				if err != nil {
					return err
				}
				wrapped, err := decodeHex(cctx.Args().First())
				if err != nil {
					return err
				}
				key, err := crypto.UnwrapKey(wrapped, s.PrivateKey())
				if err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, "0x"+hex.EncodeToString(key))
				return nil
			},
		},
	},
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
