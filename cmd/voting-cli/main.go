package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"
	"github.com/vocdoni/private-voting/crypto/eddsa"
	"github.com/vocdoni/private-voting/db"
	"github.com/vocdoni/private-voting/db/metadb"
	"github.com/vocdoni/private-voting/ledger"
	"github.com/vocdoni/private-voting/log"
	"github.com/vocdoni/private-voting/sequencer"
	"github.com/vocdoni/private-voting/smt"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(cfg, args); err != nil {
		log.Errorw(err, "command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the services a command runs against.
type app struct {
	db     db.Database
	ledger *ledger.Ledger
	seq    *sequencer.Sequencer
}

func openApp(cfg *Config) (*app, error) {
	database, err := metadb.New(cfg.DB.Type, filepath.Join(cfg.Datadir, "db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	l, err := ledger.New(database)
	if err != nil {
		database.Close()
		return nil, err
	}
	seq, err := sequencer.New(l)
	if err != nil {
		database.Close()
		return nil, err
	}
	log.Debugw("database opened", "type", cfg.DB.Type, "datadir", cfg.Datadir)
	return &app{db: database, ledger: l, seq: seq}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		log.Warnw("failed to close database", "error", err)
	}
}

func run(cfg *Config, args []string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	switch cmd := args[0]; cmd {
	case "init":
		owner, err := signer(cfg.Seed, "--seed")
		if err != nil {
			return err
		}
		receipt, err := a.seq.Initialize(owner.Identity())
		if err != nil {
			return err
		}
		return printJSON(receipt)
	case "add-voter":
		if len(args) != 2 {
			return fmt.Errorf("usage: add-voter <voter-seed>")
		}
		owner, err := signer(cfg.Seed, "--seed")
		if err != nil {
			return err
		}
		voter, err := signer(args[1], "voter seed")
		if err != nil {
			return err
		}
		witness, err := a.seq.WhitelistWitness(voter.Identity())
		if err != nil {
			return err
		}
		op, err := sequencer.NewAddVoterOperation(owner, voter.Identity(), witness)
		if err != nil {
			return err
		}
		return a.submit(ctx, op)
	case "vote":
		if len(args) != 3 {
			return fmt.Errorf("usage: vote <voter-seed> <0|1>")
		}
		voter, err := signer(args[1], "voter seed")
		if err != nil {
			return err
		}
		vote, ok := new(big.Int).SetString(args[2], 10)
		if !ok {
			return fmt.Errorf("invalid vote %q", args[2])
		}
		whitelistWitness, err := a.seq.WhitelistWitness(voter.Identity())
		if err != nil {
			return err
		}
		hasVotedWitness, err := a.seq.HasVotedWitness(voter.Identity())
		if err != nil {
			return err
		}
		op, err := sequencer.NewCastVoteOperation(voter, vote, whitelistWitness, hasVotedWitness)
		if err != nil {
			return err
		}
		return a.submit(ctx, op)
	case "status":
		head, err := a.ledger.Current()
		if err != nil {
			return err
		}
		if err := a.ledger.Verify(); err != nil {
			return err
		}
		return printJSON(head)
	case "witness":
		if len(args) != 2 {
			return fmt.Errorf("usage: witness <voter-seed>")
		}
		voter, err := signer(args[1], "voter seed")
		if err != nil {
			return err
		}
		return a.printWitnesses(voter)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) submit(ctx context.Context, op *sequencer.Operation) error {
	if err := a.seq.Start(ctx); err != nil {
		return err
	}
	defer a.seq.Stop()
	receipt, err := a.seq.Submit(ctx, op)
	if err != nil {
		return err
	}
	return printJSON(receipt)
}

func (a *app) printWitnesses(voter *eddsa.Signer) error {
	id := voter.Identity()
	whitelisted, err := a.seq.IsWhitelisted(id)
	if err != nil {
		return err
	}
	voted, err := a.seq.HasVoted(id)
	if err != nil {
		return err
	}
	whitelistWitness, err := a.seq.WhitelistWitness(id)
	if err != nil {
		return err
	}
	hasVotedWitness, err := a.seq.HasVotedWitness(id)
	if err != nil {
		return err
	}
	return printJSON(struct {
		Voter            string       `json:"voter"`
		Whitelisted      bool         `json:"whitelisted"`
		HasVoted         bool         `json:"hasVoted"`
		WhitelistWitness *smt.Witness `json:"whitelistWitness"`
		HasVotedWitness  *smt.Witness `json:"hasVotedWitness"`
	}{
		Voter:            id.String(),
		Whitelisted:      whitelisted,
		HasVoted:         voted,
		WhitelistWitness: whitelistWitness,
		HasVotedWitness:  hasVotedWitness,
	})
}

func signer(seed, name string) (*eddsa.Signer, error) {
	if seed == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	return eddsa.NewSignerFromSeed([]byte(seed))
}

func printJSON(v any) error {
	data, err := ledger.Encode(v, ledger.EncodingJSON)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
