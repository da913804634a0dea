package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trustmesh/repcore/pkg/config"
	"github.com/trustmesh/repcore/pkg/contracts"
	"github.com/trustmesh/repcore/pkg/engine"
	"github.com/trustmesh/repcore/pkg/store"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, nil)))

	if len(args) < 2 {
		return runSelfCheck(args[1:], stdout, stderr)
	}

	switch args[1] {
	case "selfcheck":
		return runSelfCheck(args[2:], stdout, stderr)
	case "policy":
		return runPolicy(stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "repcore", version)
		return 0
	default:
		_, _ = fmt.Fprintln(stderr, "Usage: repcore <selfcheck|policy|version>")
		return 2
	}
}

// runSelfCheck exercises the full per-event pipeline against a throwaway
// store: validate, commit, prove, verify, adjust.
func runSelfCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("selfcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "sqlite database path (default in-memory store)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	policy, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "policy load failed:", err)
		return 1
	}

	deps := engine.Deps{Policy: policy}
	if *dbPath != "" {
		st, err := store.OpenSQLiteStore(*dbPath)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "store open failed:", err)
			return 1
		}
		defer st.Close()
		deps.Store = st
	}

	e, err := engine.New(deps)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "engine construction failed:", err)
		return 1
	}

	ctx := context.Background()
	ev := &contracts.ReputationEvent{
		ID:        "selfcheck-1",
		UserID:    "selfcheck",
		Type:      contracts.EventTransactionComplete,
		Points:    5,
		Timestamp: time.Now(),
	}

	res, err := e.ValidateEvent(ctx, ev)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "validation failed:", err)
		return 1
	}
	if !res.Accepted {
		_, _ = fmt.Fprintf(stderr, "validation rejected: %s (%s)\n", res.Reason, res.Detail)
		return 1
	}

	proof, err := e.CommitAndProve(ctx, ev.UserID, res.Event)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "commit failed:", err)
		return 1
	}
	ok, err := e.VerifyProof(ctx, proof)
	if err != nil || !ok {
		_, _ = fmt.Fprintln(stderr, "proof verification failed:", err)
		return 1
	}

	credited, err := e.AdjustScore(ctx, ev.UserID, res.Event.Points, res.Event.Type, contracts.AdjustedScoreContext{})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "score adjustment failed:", err)
		return 1
	}

	out := map[string]any{
		"status":         "ok",
		"merkle_root":    proof.MerkleRoot,
		"proof_verified": ok,
		"credited":       credited,
		"public_key":     e.ProofPublicKey(),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return 1
	}
	return 0
}

// runPolicy prints the effective policy after env overrides.
func runPolicy(stdout, stderr io.Writer) int {
	policy, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "policy load failed:", err)
		return 1
	}
	raw, err := yaml.Marshal(policy)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "policy encode failed:", err)
		return 1
	}
	_, _ = stdout.Write(raw)
	return 0
}
