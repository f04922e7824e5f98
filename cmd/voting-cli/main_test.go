package main

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/private-voting/db/metadb"
	"github.com/vocdoni/private-voting/ledger"
	"github.com/vocdoni/private-voting/voting"
)

func testConfig(t *testing.T) *Config {
	return &Config{
		DB:      DBConfig{Type: metadb.TypePebble},
		Log:     LogConfig{Level: "error", Output: "stderr"},
		Datadir: t.TempDir(),
		Seed:    "owner",
		Timeout: time.Minute,
	}
}

func TestValidateConfig(t *testing.T) {
	c := qt.New(t)
	c.Assert(validateConfig(testConfig(t)), qt.IsNil)

	cfg := testConfig(t)
	cfg.DB.Type = metadb.TypeInMemory
	c.Assert(validateConfig(cfg), qt.ErrorMatches, `invalid db type "inmemory"`)

	cfg = testConfig(t)
	cfg.Log.Level = "loud"
	c.Assert(validateConfig(cfg), qt.ErrorMatches, `invalid log level "loud"`)

	cfg = testConfig(t)
	cfg.Datadir = ""
	c.Assert(validateConfig(cfg), qt.ErrorMatches, "datadir cannot be empty")
}

func TestCommands(t *testing.T) {
	c := qt.New(t)
	cfg := testConfig(t)

	// every command reopens the datadir, as separate invocations do
	c.Assert(run(cfg, []string{"status"}), qt.ErrorIs, ledger.ErrNotInitialized)
	c.Assert(run(cfg, []string{"init"}), qt.IsNil)
	c.Assert(run(cfg, []string{"add-voter", "alice"}), qt.IsNil)
	c.Assert(run(cfg, []string{"vote", "alice", "1"}), qt.IsNil)
	c.Assert(run(cfg, []string{"vote", "alice", "1"}), qt.ErrorIs, voting.ErrAlreadyVoted)
	c.Assert(run(cfg, []string{"vote", "bob", "1"}), qt.ErrorIs, voting.ErrNotWhitelisted)
	c.Assert(run(cfg, []string{"witness", "alice"}), qt.IsNil)
	c.Assert(run(cfg, []string{"status"}), qt.IsNil)

	a, err := openApp(cfg)
	c.Assert(err, qt.IsNil)
	head, err := a.ledger.Current()
	c.Assert(err, qt.IsNil)
	c.Assert(head.Height, qt.Equals, uint64(2))
	c.Assert(head.State.TotalVotes, qt.Equals, uint64(1))
	c.Assert(a.seq.CheckMirrors(), qt.IsNil)
	a.close()
}

func TestCommandErrors(t *testing.T) {
	c := qt.New(t)
	cfg := testConfig(t)
	c.Assert(run(cfg, []string{"init"}), qt.IsNil)

	c.Assert(run(cfg, []string{"bogus"}), qt.ErrorMatches, `unknown command "bogus"`)
	c.Assert(run(cfg, []string{"add-voter"}), qt.ErrorMatches, "usage: add-voter.*")
	c.Assert(run(cfg, []string{"vote", "alice"}), qt.ErrorMatches, "usage: vote.*")
	c.Assert(run(cfg, []string{"vote", "alice", "x"}), qt.ErrorMatches, `invalid vote "x"`)

	// only the owner key can whitelist
	other := *cfg
	other.Seed = "mallory"
	c.Assert(run(&other, []string{"add-voter", "alice"}), qt.ErrorIs, voting.ErrUnauthorized)
	other.Seed = ""
	c.Assert(run(&other, []string{"add-voter", "alice"}), qt.ErrorMatches, "--seed is required")
}
