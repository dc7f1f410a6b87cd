package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/alanyoungcy/stakeswap/internal/client"
	"github.com/alanyoungcy/stakeswap/internal/crypto"
	"github.com/alanyoungcy/stakeswap/internal/domain"
)

var ledgerCmd = &cli.Command{
	Name:  "ledger",
	Usage: "Stake ledger",
	Subcommands: []*cli.Command{
		{
			Name:  "faucet",
			Usage: "Claim the one-time initial tokens",
			Action: func(cctx *cli.Context) error {
				c, err := signedClient(cctx)
				if err != nil {
					return err
				}
				bal, err := c.ClaimFaucet(cctx.Context)
				if err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, bal.Dec())
				return nil
			},
		},
		{
			Name:      "balance",
			Usage:     "Print an identity's free balance",
			ArgsUsage: "[address]",
			Action: func(cctx *cli.Context) error {
				c, who, err := targetIdentity(cctx)
				if err != nil {
					return err
				}
				bal, err := c.Balance(cctx.Context, who)
				if err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, bal.Dec())
				return nil
			},
		},
	},
}

var userCmd = &cli.Command{
	Name:  "user",
	Usage: "Identity lookups",
	Subcommands: []*cli.Command{
		{
			Name:      "reputation",
			ArgsUsage: "[address]",
			Action: func(cctx *cli.Context) error {
				c, who, err := targetIdentity(cctx)
				if err != nil {
					return err
				}
				rep, err := c.Reputation(cctx.Context, who)
				if err != nil {
					return err
				}
				return printJSON(cctx, rep)
			},
		},
		{
			Name:      "exchanges",
			ArgsUsage: "[address]",
			Action: func(cctx *cli.Context) error {
				c, who, err := targetIdentity(cctx)
				if err != nil {
					return err
				}
				list, err := c.UserExchanges(cctx.Context, who, domain.ListOpts{})
				if err != nil {
					return err
				}
				return printJSON(cctx, list)
			},
		},
	},
}

var exchangeCmd = &cli.Command{
	Name:  "exchange",
	Usage: "Create and drive exchanges",
	Subcommands: []*cli.Command{
		exchangeCreate,
		exchangeOpen,
		exchangeShow,
		exchangeCommit,
		exchangeMatch,
		exchangeAction("accept", "Accept the counterparty's content (initiator)", (*client.Client).Accept),
		exchangeAction("decline", "Decline and return the exchange to pending (initiator)", (*client.Client).Decline),
		exchangeRate,
		exchangeAction("claim-expired", "Refund an exchange whose match deadline passed", (*client.Client).ClaimExpired),
		exchangeAction("claim-rating", "Settle an exchange whose rating deadline passed", (*client.Client).ClaimAfterRatingDeadline),
		exchangeGrant,
	},
}

var exchangeCreate = &cli.Command{
	Name:  "create",
	Usage: "Open an exchange, locking the stake",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "content", Usage: "content reference offered", Required: true},
		&cli.StringFlag{Name: "description", Usage: "public description of the offer"},
		&cli.StringFlag{Name: "requirement", Usage: "what the counterparty must provide"},
		&cli.StringFlag{Name: "stake", Usage: "stake in the ledger's smallest unit", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		stake, err := uint256.FromDecimal(cctx.String("stake"))
		if err != nil {
			return fmt.Errorf("invalid --stake: %w", err)
		}
		c, err := signedClient(cctx)
		if err != nil {
			return err
		}
		view, err := c.CreateExchange(cctx.Context, cctx.String("content"), cctx.String("description"), cctx.String("requirement"), stake)
		if err != nil {
			return err
		}
		return printJSON(cctx, view)
	},
}

var exchangeOpen = &cli.Command{
	Name:  "list-open",
	Usage: "List pending exchanges",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 50},
		&cli.IntFlag{Name: "offset"},
	},
	Action: func(cctx *cli.Context) error {
		list, err := anonClient(cctx).ListOpen(cctx.Context, domain.ListOpts{
			Limit:  cctx.Int("limit"),
			Offset: cctx.Int("offset"),
		})
		if err != nil {
			return err
		}
		return printJSON(cctx, list)
	},
}

var exchangeShow = &cli.Command{
	Name:      "show",
	Usage:     "Print an exchange with its detail, and its content when --content is set",
	ArgsUsage: "<exchange-id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "content", Usage: "include content (participants only)"},
	},
	Action: func(cctx *cli.Context) error {
		id, err := parseID(cctx.Args().First())
		if err != nil {
			return err
		}
		c := anonClient(cctx)
		if cctx.Bool("content") {
			if c, err = signedClient(cctx); err != nil {
				return err
			}
		}
		sum, err := c.Exchange(cctx.Context, id)
		if err != nil {
			return err
		}
		detail, err := c.Detail(cctx.Context, id)
		if err != nil {
			return err
		}
		out := map[string]any{"exchange": sum, "detail": detail}
		if cctx.Bool("content") {
			content, err := c.Content(cctx.Context, id)
			if err != nil {
				return err
			}
			out["content"] = content
		}
		return printJSON(cctx, out)
	},
}

var exchangeCommit = &cli.Command{
	Name:      "commit",
	Usage:     "Commit to matching an exchange; prints the secret to reveal on match",
	ArgsUsage: "<exchange-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "secret", Usage: "hex secret (generated when empty)"},
	},
	Action: func(cctx *cli.Context) error {
		id, err := parseID(cctx.Args().First())
		if err != nil {
			return err
		}
		var secret crypto.Secret
		if s := cctx.String("secret"); s != "" {
			secret, err = crypto.ParseSecret(s)
		} else {
			secret, err = crypto.NewSecret()
		}
		if err != nil {
			return err
		}
		c, err := signedClient(cctx)
		if err != nil {
			return err
		}
		if _, err := c.Commit(cctx.Context, id, crypto.CommitmentHash(id, c.Address(), secret)); err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, secret.Hex())
		return nil
	},
}

var exchangeMatch = &cli.Command{
	Name:      "match",
	Usage:     "Reveal the committed secret and match an exchange",
	ArgsUsage: "<exchange-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "secret", Required: true},
		&cli.StringFlag{Name: "content", Required: true},
		&cli.StringFlag{Name: "description"},
	},
	Action: func(cctx *cli.Context) error {
		id, err := parseID(cctx.Args().First())
		if err != nil {
			return err
		}
		secret, err := crypto.ParseSecret(cctx.String("secret"))
		if err != nil {
			return err
		}
		c, err := signedClient(cctx)
		if err != nil {
			return err
		}
		view, err := c.Match(cctx.Context, id, cctx.String("content"), cctx.String("description"), secret)
		if err != nil {
			return err
		}
		return printJSON(cctx, view)
	},
}

var exchangeRate = &cli.Command{
	Name:      "rate",
	Usage:     "Rate the other participant (1-5)",
	ArgsUsage: "<exchange-id> <rating>",
	Action: func(cctx *cli.Context) error {
		id, err := parseID(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		rating, err := strconv.Atoi(cctx.Args().Get(1))
		if err != nil {
			return fmt.Errorf("invalid rating: %w", err)
		}
		c, err := signedClient(cctx)
		if err != nil {
			return err
		}
		view, err := c.Rate(cctx.Context, id, rating)
		if err != nil {
			return err
		}
		return printJSON(cctx, view)
	},
}

var exchangeGrant = &cli.Command{
	Name:      "grant-key",
	Usage:     "Attach a wrapped content key for the other participant",
	ArgsUsage: "<exchange-id> <wrapped-key>",
	Action: func(cctx *cli.Context) error {
		id, err := parseID(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		wrapped, err := decodeHex(cctx.Args().Get(1))
		if err != nil {
			return err
		}
		c, err := signedClient(cctx)
		if err != nil {
			return err
		}
		view, err := c.GrantKey(cctx.Context, id, wrapped)
		if err != nil {
			return err
		}
		return printJSON(cctx, view)
	},
}

type exchangeFunc func(c *client.Client, ctx context.Context, id int64) (client.ExchangeView, error)

func exchangeAction(name, usage string, fn exchangeFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<exchange-id>",
		Action: func(cctx *cli.Context) error {
			id, err := parseID(cctx.Args().First())
			if err != nil {
				return err
			}
			c, err := signedClient(cctx)
			if err != nil {
				return err
			}
			view, err := fn(c, cctx.Context, id)
			if err != nil {
				return err
			}
			return printJSON(cctx, view)
		},
	}
}

// targetIdentity returns the address argument, or the configured identity
// when none is given.
func targetIdentity(cctx *cli.Context) (*client.Client, common.Address, error) {
	if cctx.NArg() > 0 {
		who, err := parseAddress(cctx.Args().First())
		return anonClient(cctx), who, err
	}
	c, err := signedClient(cctx)
	if err != nil {
		return nil, common.Address{}, err
	}
	return c, c.Address(), nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid exchange id %q", s)
	}
	return id, nil
}
