package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/cmd/sweatctl/client"
	"github.com/sweatpool/sweatpool/logging"
	"github.com/sweatpool/sweatpool/rpc/api"
	"github.com/sweatpool/sweatpool/settlement"
	"github.com/sweatpool/sweatpool/signing"
	"github.com/sweatpool/sweatpool/types"
)

func newClient(cmd *cli.Command) (*client.HTTPClient, error) {
	level := zap.WarnLevel
	if cmd.Bool("verbose") {
		level = zap.DebugLevel
	}
	logger := logging.New(logging.Options{Level: level})
	return client.NewHTTPClient(cmd.String("url"), client.WithLogger(logger), client.WithRetryMax(int(cmd.Int("retries"))))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// challengeKey parses the <kind> <id> arguments.
func challengeKey(cmd *cli.Command) (types.Key, error) {
	kind, err := types.ParseKind(cmd.Args().Get(0))
	if err != nil {
		return types.Key{}, err
	}
	id, err := strconv.ParseUint(cmd.Args().Get(1), 10, 64)
	if err != nil {
		return types.Key{}, fmt.Errorf("invalid challenge id %q: %w", cmd.Args().Get(1), err)
	}
	return types.Key{Kind: kind, ID: id}, nil
}

func oracleKey(cmd *cli.Command) (ed25519.PrivateKey, error) {
	encoded := cmd.String("oracle-key")
	if encoded == "" {
		return nil, fmt.Errorf("oracle key is required to sign attestations")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding oracle key: %w", err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid oracle key length: %d (expected %d)", len(key), ed25519.PrivateKeySize)
	}
	return key, nil
}

// expireTime accepts either an RFC3339 timestamp or a duration from now.
func expireTime(value string) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expire time %q: expected RFC3339 or a duration", value)
	}
	return t, nil
}

func genkey(_ context.Context, _ *cli.Command) error {
	pubkey, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	fmt.Printf("private key: %s\n", base64.StdEncoding.EncodeToString(priv))
	fmt.Printf("pub key: %s\n", base64.StdEncoding.EncodeToString(pubkey))
	return nil
}

func info(ctx context.Context, cmd *cli.Command) error {
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	info, err := cl.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pool public key: %s\n", base64.StdEncoding.EncodeToString(info.PublicKey))
	return nil
}

func issue(ctx context.Context, cmd *cli.Command) error {
	kind, err := types.ParseKind(cmd.Args().First())
	if err != nil {
		return err
	}
	activity, err := types.ParseActivity(cmd.String("activity"))
	if err != nil {
		return err
	}
	expire, err := expireTime(cmd.String("expire"))
	if err != nil {
		return err
	}
	if cmd.Duration("time-to-beat") < 0 {
		return fmt.Errorf("time to beat must not be negative")
	}
	request := api.IssueRequest{
		EntryFee:   cmd.Uint64("fee"),
		ExpireTime: uint64(expire.Unix()),
		Activity:   activity,
		SegmentID:  cmd.Uint64("segment"),
		TimeToBeat: uint64(cmd.Duration("time-to-beat").Seconds()),
		Distance:   cmd.Uint64("distance"),
	}
	if oracle := cmd.String("oracle"); oracle != "" {
		request.Oracle, err = base64.StdEncoding.DecodeString(oracle)
		if err != nil {
			return fmt.Errorf("decoding oracle public key: %w", err)
		}
	}

	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	challenge, err := cl.Issue(ctx, kind, request)
	if err != nil {
		return err
	}
	return printJSON(challenge)
}

func list(ctx context.Context, cmd *cli.Command) error {
	kind, err := types.ParseKind(cmd.Args().First())
	if err != nil {
		return err
	}
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	challenges, err := cl.Challenges(ctx, kind)
	if err != nil {
		return err
	}
	return printJSON(challenges)
}

func show(ctx context.Context, cmd *cli.Command) error {
	key, err := challengeKey(cmd)
	if err != nil {
		return err
	}
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	challenge, err := cl.Challenge(ctx, key)
	if err != nil {
		return err
	}
	athletes, err := cl.Athletes(ctx, key)
	if err != nil {
		return err
	}
	winners, err := cl.Winners(ctx, key)
	if err != nil {
		return err
	}
	return printJSON(struct {
		*api.ChallengeInfo
		Athletes []uint64 `json:"athletes"`
		Winners  []uint64 `json:"winners"`
	}{challenge, athletes, winners})
}

func join(ctx context.Context, cmd *cli.Command) error {
	key, err := challengeKey(cmd)
	if err != nil {
		return err
	}
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	reg, err := cl.Join(ctx, key, api.JoinRequest{
		AthleteID:     cmd.Uint64("athlete"),
		PayoutAddress: cmd.String("address"),
		Paid:          cmd.Uint64("paid"),
	})
	if err != nil {
		return err
	}
	return printJSON(reg)
}

func succeed(ctx context.Context, cmd *cli.Command) error {
	key, err := challengeKey(cmd)
	if err != nil {
		return err
	}
	athlete, err := strconv.ParseUint(cmd.Args().Get(2), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid athlete id %q: %w", cmd.Args().Get(2), err)
	}
	oracle, err := oracleKey(cmd)
	if err != nil {
		return err
	}
	signature, err := signing.Attest(types.SucceededAttestation(key, athlete), oracle)
	if err != nil {
		return err
	}
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := cl.Succeed(ctx, key, athlete, signature); err != nil {
		return err
	}
	fmt.Printf("athlete %d succeeded in %s\n", athlete, key)
	return nil
}

func settle(ctx context.Context, cmd *cli.Command) error {
	key, err := challengeKey(cmd)
	if err != nil {
		return err
	}
	oracle, err := oracleKey(cmd)
	if err != nil {
		return err
	}
	signature, err := signing.Attest(types.SettleAttestation(key), oracle)
	if err != nil {
		return err
	}
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	rec, err := cl.Settle(ctx, key, signature)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func getSettlement(ctx context.Context, cmd *cli.Command) error {
	key, err := challengeKey(cmd)
	if err != nil {
		return err
	}
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	rec, err := cl.Settlement(ctx, key)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

// prove fetches the membership proof of a winner and checks it against the
// winners root of the settlement before printing it.
func prove(ctx context.Context, cmd *cli.Command) error {
	key, err := challengeKey(cmd)
	if err != nil {
		return err
	}
	athlete, err := strconv.ParseUint(cmd.Args().Get(2), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid athlete id %q: %w", cmd.Args().Get(2), err)
	}
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	rec, err := cl.Settlement(ctx, key)
	if err != nil {
		return err
	}
	proof, err := cl.WinnerProof(ctx, key, athlete)
	if err != nil {
		return err
	}
	if err := settlement.VerifyWinner(proof.ToWinnerProof(), rec.WinnersRoot); err != nil {
		return err
	}
	if cmd.Bool("encoded") {
		encoded, err := proof.ToWinnerProof().Bytes()
		if err != nil {
			return err
		}
		fmt.Println(base64.StdEncoding.EncodeToString(encoded))
		return nil
	}
	return printJSON(proof)
}

func deposit(ctx context.Context, cmd *cli.Command) error {
	address := cmd.Args().First()
	amount, err := strconv.ParseUint(cmd.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", cmd.Args().Get(1), err)
	}
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	balance, err := cl.Deposit(ctx, address, amount)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d\n", address, balance)
	return nil
}

func getBalance(ctx context.Context, cmd *cli.Command) error {
	address := cmd.Args().First()
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	balance, err := cl.Balance(ctx, address)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d\n", address, balance)
	return nil
}

func listEvents(ctx context.Context, cmd *cli.Command) error {
	cl, err := newClient(cmd)
	if err != nil {
		return err
	}
	after := cmd.Uint64("after")
	for {
		evs, err := cl.Events(ctx, after, int(cmd.Int("limit")))
		if err != nil {
			return err
		}
		for _, ev := range evs.Events {
			if err := printJSON(ev); err != nil {
				return err
			}
			after = ev.Seq
		}
		if !cmd.Bool("follow") {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cmd.Duration("poll")):
		}
	}
}

func main() {
	oracleKeyFlag := &cli.StringFlag{
		Name:    "oracle-key",
		Usage:   "base64 ed25519 private key of the challenge oracle",
		Sources: cli.EnvVars("SWEATPOOL_ORACLE_KEY"),
	}

	cmd := &cli.Command{
		Name:  "sweatctl",
		Usage: "interact with a sweatpool server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("SWEATPOOL_URL"),
			},
			&cli.IntFlag{
				Name:  "retries",
				Value: 4,
			},
			&cli.BoolFlag{
				Name: "verbose",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "genkey",
				Usage:  "generate an oracle key pair",
				Action: genkey,
			},
			{
				Name:   "info",
				Action: info,
			},
			{
				Name:      "issue",
				Usage:     "issue a new challenge",
				ArgsUsage: "<segment|distance>",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "fee"},
					&cli.StringFlag{Name: "expire", Usage: "RFC3339 time or duration from now", Required: true},
					&cli.StringFlag{Name: "activity", Value: "run"},
					&cli.Uint64Flag{Name: "segment"},
					&cli.DurationFlag{Name: "time-to-beat"},
					&cli.Uint64Flag{Name: "distance", Usage: "meters"},
					&cli.StringFlag{Name: "oracle", Usage: "base64 ed25519 public key (defaults to the pool key)"},
				},
				Action: issue,
			},
			{
				Name:      "list",
				ArgsUsage: "<segment|distance>",
				Action:    list,
			},
			{
				Name:      "show",
				ArgsUsage: "<segment|distance> <id>",
				Action:    show,
			},
			{
				Name:      "join",
				ArgsUsage: "<segment|distance> <id>",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "athlete", Required: true},
					&cli.StringFlag{Name: "address", Required: true},
					&cli.Uint64Flag{Name: "paid"},
				},
				Action: join,
			},
			{
				Name:      "succeed",
				ArgsUsage: "<segment|distance> <id> <athlete>",
				Flags:     []cli.Flag{oracleKeyFlag},
				Action:    succeed,
			},
			{
				Name:      "settle",
				ArgsUsage: "<segment|distance> <id>",
				Flags:     []cli.Flag{oracleKeyFlag},
				Action:    settle,
			},
			{
				Name:      "settlement",
				ArgsUsage: "<segment|distance> <id>",
				Action:    getSettlement,
			},
			{
				Name:      "prove",
				Usage:     "fetch and verify the proof that an athlete was paid by a settlement",
				ArgsUsage: "<segment|distance> <id> <athlete>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "encoded", Usage: "print the proof as base64 scale bytes"},
				},
				Action: prove,
			},
			{
				Name:      "deposit",
				ArgsUsage: "<address> <amount>",
				Action:    deposit,
			},
			{
				Name:      "balance",
				ArgsUsage: "<address>",
				Action:    getBalance,
			},
			{
				Name: "events",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "after"},
					&cli.IntFlag{Name: "limit", Value: 100},
					&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}},
					&cli.DurationFlag{Name: "poll", Value: 2 * time.Second},
				},
				Action: listEvents,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
