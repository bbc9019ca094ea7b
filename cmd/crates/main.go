// Command crates runs the crate picker and grown-stalk calculators offline
// against a JSON file of deposits.
package main

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/atmx/silo-engine/internal/amount"
	"github.com/atmx/silo-engine/internal/crates"
	"github.com/atmx/silo-engine/internal/growth"
	"github.com/atmx/silo-engine/internal/model"
	"github.com/atmx/silo-engine/internal/token"
)

var (
	tokensFileFlag = &cli.StringFlag{
		Name:    "tokens-file",
		Usage:   "YAML token registry to load over the built-in tokens",
		EnvVars: []string{"TOKENS_FILE"},
	}
	tokenFlag = &cli.StringFlag{
		Name:  "token",
		Usage: "token symbol or address",
		Value: token.Bean,
	}
	stemTipFlag = &cli.StringFlag{
		Name:  "stem-tip",
		Usage: "current stem tip of the token",
	}
)

var commandPick = &cli.Command{
	Name:  "pick",
	Usage: "select the crates a withdrawal consumes",
	Description: `
Deposits are read from a JSON array and consumed in file order, which
should be most recent first. With --stem-tip or --season, grown stalk of
each picked crate is recomputed at that clock.`,
	Flags: []cli.Flag{
		tokensFileFlag,
		tokenFlag,
		&cli.StringFlag{Name: "deposits", Usage: "JSON file of deposits", Required: true},
		&cli.StringFlag{Name: "amount", Usage: "amount to withdraw, in whole tokens", Required: true},
		stemTipFlag,
		&cli.Uint64Flag{Name: "season", Usage: "current season, for legacy deposits"},
	},
	Action: func(ctx *cli.Context) error {
		tok, err := lookupToken(ctx)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(ctx.String("deposits"))
		if err != nil {
			return err
		}
		var deposits []model.Deposit
		if err := json.Unmarshal(data, &deposits); err != nil {
			return fmt.Errorf("parse deposits: %w", err)
		}
		desired, err := tok.FromHuman(ctx.String("amount"))
		if err != nil {
			return err
		}

		var opts []crates.Option
		switch {
		case ctx.IsSet(stemTipFlag.Name) && ctx.IsSet("season"):
			return fmt.Errorf("--stem-tip and --season are mutually exclusive")
		case ctx.IsSet(stemTipFlag.Name):
			tip, err := parseInt(ctx.String(stemTipFlag.Name))
			if err != nil {
				return err
			}
			opts = append(opts, crates.AtStemTip(tip))
		case ctx.IsSet("season"):
			season, err := seasonFlag(ctx, "season")
			if err != nil {
				return err
			}
			opts = append(opts, crates.AtSeason(season))
		}

		sel, err := crates.Pick(deposits, desired, tok, opts...)
		if err != nil {
			return err
		}
		return printJSON(ctx, sel)
	},
}

var commandGrown = &cli.Command{
	Name:  "grown",
	Usage: "grown stalk of a stem-scheme deposit",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "stem-tip", Usage: "current stem tip", Required: true},
		&cli.StringFlag{Name: "stem", Usage: "stem the deposit was made at", Required: true},
		&cli.StringFlag{Name: "bdv", Usage: "BDV of the deposit, in BEAN", Required: true},
	},
	Action: func(ctx *cli.Context) error {
		tip, err := parseInt(ctx.String("stem-tip"))
		if err != nil {
			return err
		}
		stem, err := parseInt(ctx.String("stem"))
		if err != nil {
			return err
		}
		bdv, err := amount.FromHuman(ctx.String("bdv"), model.BDVDecimals)
		if err != nil {
			return err
		}
		grown, err := growth.GrownStalkStems(tip, stem, bdv)
		if err != nil {
			return err
		}
		return printJSON(ctx, map[string]amount.Amount{"grown_stalk": grown})
	},
}

var commandGrownSeeds = &cli.Command{
	Name:  "grown-seeds",
	Usage: "grown stalk of a legacy season-scheme deposit",
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: "season", Usage: "current season", Required: true},
		&cli.Uint64Flag{Name: "deposit-season", Usage: "season the deposit was made in", Required: true},
		&cli.StringFlag{Name: "seeds", Usage: "seeds of the deposit", Required: true},
	},
	Action: func(ctx *cli.Context) error {
		seeds, err := amount.FromHuman(ctx.String("seeds"), model.SeedsDecimals)
		if err != nil {
			return err
		}
		season, err := seasonFlag(ctx, "season")
		if err != nil {
			return err
		}
		depositSeason, err := seasonFlag(ctx, "deposit-season")
		if err != nil {
			return err
		}
		grown, err := growth.GrownStalkSeeds(season, depositSeason, seeds)
		if err != nil {
			return err
		}
		return printJSON(ctx, map[string]amount.Amount{"grown_stalk": grown})
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "crates",
		Usage: "silo crate selection and grown stalk",
		Commands: []*cli.Command{
			commandPick,
			commandGrown,
			commandGrownSeeds,
		},
	}
}

func lookupToken(ctx *cli.Context) (model.Token, error) {
	reg := token.DefaultRegistry()
	if path := ctx.String(tokensFileFlag.Name); path != "" {
		if err := reg.LoadFile(path); err != nil {
			return model.Token{}, err
		}
	}
	return reg.Lookup(ctx.String(tokenFlag.Name))
}

// seasonFlag reads a season flag, rejecting values seasons cannot hold.
func seasonFlag(ctx *cli.Context, name string) (uint32, error) {
	v := ctx.Uint64(name)
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("--%s %d out of range", name, v)
	}
	return uint32(v), nil
}

func parseInt(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func printJSON(ctx *cli.Context, v any) error {
	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
