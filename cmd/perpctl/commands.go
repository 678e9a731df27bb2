package main

import (
	"PerpCore/internal/server"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	addrKey      = "addr"
	callerKey    = "caller"
	requestIDKey = "request-id"
	timeoutKey   = "timeout"
)

// callFunc issues one RPC on an open client.
type callFunc func(ctx context.Context, c *server.Client) (*structpb.Struct, error)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "perpctl",
		Short:         "Operate and trade against a perpcore node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String(addrKey, envOr("PERP_GRPC_ADDR", "localhost:9090"), "perpcore gRPC address")
	flags.String(callerKey, os.Getenv("PERP_CALLER"), "signer account id (uuid)")
	flags.String(requestIDKey, "", "idempotency key; retries with the same key are deduplicated")
	flags.Duration(timeoutKey, 10*time.Second, "per-call timeout")

	root.AddCommand(
		initCommand(),
		opCommand("price <price>", "Post an oracle price (authority)", "set_price", cobra.ExactArgs(1),
			func(args []string, f map[string]interface{}) error { f["price"] = args[0]; return nil }),
		opCommand("deposit <amount>", "Deposit collateral into the caller's vault", "deposit", cobra.ExactArgs(1),
			func(args []string, f map[string]interface{}) error { f["amount"] = args[0]; return nil }),
		opCommand("withdraw <amount>", "Withdraw free collateral", "withdraw", cobra.ExactArgs(1),
			func(args []string, f map[string]interface{}) error { f["amount"] = args[0]; return nil }),
		openCommand(),
		closeCommand(),
		opCommand("liquidate <owner> <position-id>", "Liquidate an undercollateralized position", "liquidate", cobra.ExactArgs(2),
			func(args []string, f map[string]interface{}) error {
				id, err := parsePositionID(args[1])
				if err != nil {
					return err
				}
				f["owner"] = args[0]
				f["position_id"] = id
				return nil
			}),
		opCommand("fund", "Apply accrued funding for the elapsed interval", "apply_funding", cobra.NoArgs, nil),
		opCommand("pause <true|false>", "Pause or resume trading (authority)", "set_paused", cobra.ExactArgs(1),
			func(args []string, f map[string]interface{}) error {
				paused, err := strconv.ParseBool(args[0])
				if err != nil {
					return fmt.Errorf("parse paused: %w", err)
				}
				f["paused"] = paused
				return nil
			}),
		riskCommand(),
		queryCommand("market", "Show the market view", "GetMarket", cobra.NoArgs, nil),
		queryCommand("oracle", "Show the oracle view", "GetOracle", cobra.NoArgs, nil),
		queryCommand("vault [owner]", "Show a vault (default: the caller's)", "GetVault", cobra.MaximumNArgs(1), ownerArg),
		queryCommand("position <owner> <position-id>", "Show one position", "GetPosition", cobra.ExactArgs(2),
			func(cmd *cobra.Command, args []string, f map[string]interface{}) error {
				id, err := parsePositionID(args[1])
				if err != nil {
					return err
				}
				f["owner"] = args[0]
				f["position_id"] = id
				return nil
			}),
		queryCommand("positions [owner]", "List positions (default: the caller's)", "ListPositions", cobra.MaximumNArgs(1), ownerArg),
	)
	return root
}

func initCommand() *cobra.Command {
	c := opCommand("init", "Initialize the market; the caller becomes the authority", "initialize", cobra.NoArgs, nil)
	c.Flags().String("asset", "USDC", "collateral asset id")
	addRiskFlags(c)
	c.RunE = func(cmd *cobra.Command, _ []string) error {
		asset, _ := cmd.Flags().GetString("asset")
		fields := map[string]interface{}{"collateral_asset_id": asset}
		riskFields(cmd, fields)
		return runOperation(cmd, "initialize", fields)
	}
	return c
}

func riskCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "risk",
		Short: "Update risk parameters (authority)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields := map[string]interface{}{}
			riskFields(cmd, fields)
			return runOperation(cmd, "update_risk_params", fields)
		},
	}
	addRiskFlags(c)
	return c
}

func openCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "open <long|short> <size>",
		Short: "Open an isolated position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			leverage, _ := cmd.Flags().GetUint32("leverage")
			return runOperation(cmd, "open_position", map[string]interface{}{
				"direction": args[0],
				"size":      args[1],
				"leverage":  leverage,
			})
		},
	}
	c.Flags().Uint32("leverage", 1, "position leverage")
	return c
}

func closeCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "close <position-id>",
		Short: "Close one of the caller's positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePositionID(args[0])
			if err != nil {
				return err
			}
			return runOperation(cmd, "close_position", map[string]interface{}{"position_id": id})
		},
	}
	return c
}

func opCommand(use, short, op string, args cobra.PositionalArgs, build func([]string, map[string]interface{}) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, a []string) error {
			fields := map[string]interface{}{}
			if build != nil {
				if err := build(a, fields); err != nil {
					return err
				}
			}
			return runOperation(cmd, op, fields)
		},
	}
}

func queryCommand(use, short, method string, args cobra.PositionalArgs, build func(*cobra.Command, []string, map[string]interface{}) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, a []string) error {
			fields := map[string]interface{}{}
			if build != nil {
				if err := build(cmd, a, fields); err != nil {
					return err
				}
			}
			return run(cmd, func(ctx context.Context, c *server.Client) (*structpb.Struct, error) {
				return c.Query(ctx, server.QueryServiceName, method, fields)
			})
		},
	}
}

func ownerArg(cmd *cobra.Command, args []string, f map[string]interface{}) error {
	if len(args) == 1 {
		f["owner"] = args[0]
		return nil
	}
	caller, _ := cmd.Flags().GetString(callerKey)
	if caller == "" {
		return fmt.Errorf("owner argument or --%s is required", callerKey)
	}
	f["owner"] = caller
	return nil
}

func addRiskFlags(c *cobra.Command) {
	c.Flags().Uint32("max-leverage", 0, "maximum leverage (1-100)")
	c.Flags().Uint32("maintenance-margin-bps", 0, "maintenance margin in basis points")
	c.Flags().Uint32("liquidation-fee-bps", 0, "liquidation fee in basis points")
}

// riskFields copies only the risk flags the user set.
func riskFields(cmd *cobra.Command, f map[string]interface{}) {
	for flag, field := range map[string]string{
		"max-leverage":           "max_leverage",
		"maintenance-margin-bps": "maintenance_margin_bps",
		"liquidation-fee-bps":    "liquidation_fee_bps",
	} {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetUint32(flag)
			f[field] = v
		}
	}
}

func runOperation(cmd *cobra.Command, op string, fields map[string]interface{}) error {
	caller, _ := cmd.Flags().GetString(callerKey)
	if caller == "" {
		return fmt.Errorf("--%s is required", callerKey)
	}
	fields["caller"] = caller
	if id, _ := cmd.Flags().GetString(requestIDKey); id != "" {
		fields["request_id"] = id
	}
	return run(cmd, func(ctx context.Context, c *server.Client) (*structpb.Struct, error) {
		return c.Execute(ctx, op, fields)
	})
}

func run(cmd *cobra.Command, call callFunc) error {
	addr, _ := cmd.Flags().GetString(addrKey)
	timeout, _ := cmd.Flags().GetDuration(timeoutKey)

	conn, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	resp, err := call(ctx, server.NewClient(conn))
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func parsePositionID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse position id %q: %w", s, err)
	}
	return id, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
