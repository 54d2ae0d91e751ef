package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"prenet/internal/config"
	"prenet/internal/network"
	"prenet/internal/node"
	"prenet/internal/peer"
	"prenet/internal/policy"
	"prenet/internal/pre"
	"prenet/internal/stake"
	"prenet/internal/stamp"
	"prenet/internal/validate"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "grant":
		return runGrant(args[1:], stdout, stderr)
	case "encrypt":
		return runEncrypt(args[1:], stdout, stderr)
	case "retrieve":
		return runRetrieve(args[1:], stdout, stderr)
	case "revoke":
		return runRevoke(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: prenet-node <run|status|peers|keygen|grant|encrypt|retrieve|revoke> [args]")
	fmt.Fprintln(w, "  run      [--config <path>] [--debug]")
	fmt.Fprintln(w, "  status   [--config <path>]")
	fmt.Fprintln(w, "  peers    [--config <path>]")
	fmt.Fprintln(w, "  keygen   --out <key file>")
	fmt.Fprintln(w, "  grant    [--config <path>] --label <l> --recipient-key <hex> --recipient-stamp <hex> --threshold <m> --shares <n> --days <d> --out <grant file>")
	fmt.Fprintln(w, "  encrypt  [--config <path>] --grant <grant file> --in <plaintext> --out <kit file>")
	fmt.Fprintln(w, "  retrieve [--config <path>] --grant <grant file> --kit <kit file> --key <key file> --out <plaintext>")
	fmt.Fprintln(w, "  revoke   [--config <path>] --grant <grant file>")
}

// grantFile is the portable form of a placed policy: what the sender needs to
// encrypt and what the recipient needs to retrieve.
type grantFile struct {
	Label        string               `json:"label"`
	Threshold    int                  `json:"threshold"`
	PolicyPub    string               `json:"policy_pub"`
	Arrangements []policy.Arrangement `json:"arrangements"`
}

func loadConfig(fs *flag.FlagSet, args []string, stderr io.Writer) (config.Config, bool) {
	cfgPath := fs.String("config", "", "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, false
	}
	if *debug {
		_ = os.Setenv("PRENET_DEBUG", "1")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return config.Config{}, false
	}
	return cfg, true
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	go func() {
		<-n.Ready()
		fmt.Fprintf(stdout, "READY addr=%s account=%s\n", n.Addr(), n.Identity().Account.Hex())
	}()
	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	id, err := node.LoadIdentity(cfg.Home, worker(cfg))
	if err != nil {
		fmt.Fprintf(stderr, "status: identity unavailable: %v\n", err)
		return 1
	}
	dir, err := offlineDirectory(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "status: directory unavailable: %v\n", err)
		return 1
	}
	arrs, err := policy.NewArrangementStore(filepath.Join(cfg.Home, "arrangements.jsonl"), cfg.Policy.ArrangementCap)
	if err != nil {
		fmt.Fprintf(stderr, "status: arrangement store unavailable: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Local node state (from disk, not a running daemon):")
	fmt.Fprintf(stdout, "  account: %s\n", id.Account.Hex())
	fmt.Fprintf(stdout, "  stamp:   %s\n", hex.EncodeToString(id.Stamp.PublicKeyBytes()))
	fmt.Fprintf(stdout, "  known peers: %d\n", dir.Len())
	fmt.Fprintf(stdout, "  stored arrangements: %d\n", arrs.Len())
	var snap map[string]float64
	if err := readJSON(filepath.Join(cfg.Home, "metrics.json"), &snap); err == nil {
		fmt.Fprintf(stdout, "  verified peers: %.0f\n", snap["prenet_peers_verified"])
		fmt.Fprintf(stdout, "  learn rounds: %.0f\n", snap["prenet_learn_rounds_total"])
		fmt.Fprintf(stdout, "  grants placed: %.0f\n", snap["prenet_grants_placed_total"])
		fmt.Fprintf(stdout, "  reencrypt requests: %.0f\n", snap["prenet_reencrypt_requests_total"])
	}
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	dir, err := offlineDirectory(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "peers: directory unavailable: %v\n", err)
		return 1
	}
	for _, rec := range dir.List() {
		fmt.Fprintf(stdout, "%s addr=%s state=%s seen=%s\n",
			rec.Meta.IdentityKey(), rec.Meta.NetAddr(), rec.State, rec.Seen.Format(time.RFC3339))
	}
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "private key output path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *out == "" {
		fmt.Fprintln(stderr, "missing --out")
		return 1
	}
	priv, pub, err := pre.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out, []byte(hex.EncodeToString(privBytes)+"\n"), 0600); err != nil {
		fmt.Fprintf(stderr, "write key failed: %v\n", err)
		return 1
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "OK keypair generated")
	fmt.Fprintln(stdout, "pub:", hex.EncodeToString(pubBytes))
	return 0
}

func runGrant(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	label := fs.String("label", "", "policy label")
	recipientKeyHex := fs.String("recipient-key", "", "recipient encryption pubkey hex")
	recipientStampHex := fs.String("recipient-stamp", "", "recipient stamp pubkey hex")
	threshold := fs.Int("threshold", 0, "fragments needed to decrypt")
	shares := fs.Int("shares", 0, "fragments to place")
	days := fs.Int("days", 30, "policy lifetime in days")
	out := fs.String("out", "", "grant output path")
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	if *label == "" || *out == "" {
		fmt.Fprintln(stderr, "missing --label or --out")
		return 1
	}
	var recipientKey pre.PublicKey
	raw, err := hex.DecodeString(*recipientKeyHex)
	if err == nil {
		err = recipientKey.UnmarshalBinary(raw)
	}
	if err != nil {
		fmt.Fprintf(stderr, "invalid --recipient-key: %v\n", err)
		return 1
	}
	recipientStamp, err := hex.DecodeString(*recipientStampHex)
	if err != nil || len(recipientStamp) != stamp.PublicKeySize {
		fmt.Fprintf(stderr, "invalid --recipient-stamp: need %d bytes hex\n", stamp.PublicKeySize)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	id, dir, client, cleanup, err := onlinePolicyDeps(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "grant setup failed: %v\n", err)
		return 1
	}
	defer cleanup()

	granter := &policy.Granter{
		Stamp:          id.Stamp,
		Directory:      dir,
		Client:         client,
		AttemptTimeout: cfg.Policy.AttemptTimeout,
	}
	pol, err := granter.Grant(ctx, policy.GrantRequest{
		Label:             *label,
		RecipientKey:      &recipientKey,
		RecipientStampPub: recipientStamp,
		Threshold:         *threshold,
		Shares:            *shares,
		Expiry:            time.Now().Add(time.Duration(*days) * 24 * time.Hour),
	})
	if err != nil {
		fmt.Fprintf(stderr, "grant failed: %v\n", err)
		return 1
	}
	policyPubBytes, err := pol.PolicyPub.MarshalBinary()
	if err != nil {
		fmt.Fprintf(stderr, "grant failed: %v\n", err)
		return 1
	}
	grant := pol.AccessGrant()
	if err := writeJSON(*out, grantFile{
		Label:        grant.Label,
		Threshold:    grant.Threshold,
		PolicyPub:    base64.StdEncoding.EncodeToString(policyPubBytes),
		Arrangements: grant.Arrangements,
	}); err != nil {
		fmt.Fprintf(stderr, "write grant failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "GRANTED %s threshold=%d shares=%d\n", *label, *threshold, *shares)
	return 0
}

func runEncrypt(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("encrypt", flag.ContinueOnError)
	grantPath := fs.String("grant", "", "grant file path")
	in := fs.String("in", "", "plaintext input path")
	out := fs.String("out", "", "message kit output path")
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	if *grantPath == "" || *in == "" || *out == "" {
		fmt.Fprintln(stderr, "missing --grant, --in or --out")
		return 1
	}
	var gf grantFile
	if err := readJSON(*grantPath, &gf); err != nil {
		fmt.Fprintf(stderr, "read grant failed: %v\n", err)
		return 1
	}
	var policyPub pre.PublicKey
	raw, err := base64.StdEncoding.DecodeString(gf.PolicyPub)
	if err == nil {
		err = policyPub.UnmarshalBinary(raw)
	}
	if err != nil {
		fmt.Fprintf(stderr, "bad policy key in grant: %v\n", err)
		return 1
	}
	id, err := node.LoadIdentity(cfg.Home, worker(cfg))
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}
	plaintext, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "read plaintext failed: %v\n", err)
		return 1
	}
	kit, err := policy.Encrypt(&policyPub, id.Stamp, plaintext)
	if err != nil {
		fmt.Fprintf(stderr, "encrypt failed: %v\n", err)
		return 1
	}
	if err := writeJSON(*out, kit); err != nil {
		fmt.Fprintf(stderr, "write kit failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "SEALED %d bytes under %s\n", len(plaintext), gf.Label)
	return 0
}

func runRetrieve(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("retrieve", flag.ContinueOnError)
	grantPath := fs.String("grant", "", "grant file path")
	kitPath := fs.String("kit", "", "message kit path")
	keyPath := fs.String("key", "", "recipient private key path")
	out := fs.String("out", "", "plaintext output path")
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	if *grantPath == "" || *kitPath == "" || *keyPath == "" || *out == "" {
		fmt.Fprintln(stderr, "missing --grant, --kit, --key or --out")
		return 1
	}
	var gf grantFile
	if err := readJSON(*grantPath, &gf); err != nil {
		fmt.Fprintf(stderr, "read grant failed: %v\n", err)
		return 1
	}
	var kit policy.MessageKit
	if err := readJSON(*kitPath, &kit); err != nil {
		fmt.Fprintf(stderr, "read kit failed: %v\n", err)
		return 1
	}
	recipientKey, err := readPrivateKey(*keyPath)
	if err != nil {
		fmt.Fprintf(stderr, "read key failed: %v\n", err)
		return 1
	}
	id, err := node.LoadIdentity(cfg.Home, worker(cfg))
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}
	client := network.NewClient()
	defer client.Close()
	retriever := &policy.Retriever{
		Stamp:    id.Stamp,
		Client:   client,
		Deadline: cfg.Policy.RetrieveWindow,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	plaintext, err := retriever.Retrieve(ctx, policy.AccessGrant{
		Label:        gf.Label,
		Threshold:    gf.Threshold,
		Arrangements: gf.Arrangements,
	}, &kit, recipientKey)
	if err != nil {
		fmt.Fprintf(stderr, "retrieve failed: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out, plaintext, 0600); err != nil {
		fmt.Fprintf(stderr, "write plaintext failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "RETRIEVED %d bytes\n", len(plaintext))
	return 0
}

func runRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	grantPath := fs.String("grant", "", "grant file path")
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	if *grantPath == "" {
		fmt.Fprintln(stderr, "missing --grant")
		return 1
	}
	var gf grantFile
	if err := readJSON(*grantPath, &gf); err != nil {
		fmt.Fprintf(stderr, "read grant failed: %v\n", err)
		return 1
	}
	id, err := node.LoadIdentity(cfg.Home, worker(cfg))
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}
	client := network.NewClient()
	defer client.Close()
	granter := &policy.Granter{Stamp: id.Stamp, Client: client}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	err = granter.Revoke(ctx, &policy.Policy{
		Label:        gf.Label,
		Arrangements: gf.Arrangements,
	})
	if err != nil {
		fmt.Fprintf(stderr, "revoke incomplete: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "REVOKED %s (%d arrangements)\n", gf.Label, len(gf.Arrangements))
	return 0
}

func worker(cfg config.Config) common.Address {
	if cfg.Stake.Worker == "" || !common.IsHexAddress(cfg.Stake.Worker) {
		return common.Address{}
	}
	return common.HexToAddress(cfg.Stake.Worker)
}

// offlineDirectory loads the on-disk peer records without talking to anyone.
// Records come back unvalidated; that is fine for inspection commands.
func offlineDirectory(cfg config.Config) (*peer.Directory, error) {
	verifier := stake.NewStaticVerifier()
	validator := &validate.Validator{Stake: verifier, Federated: true}
	return peer.NewDirectory(filepath.Join(cfg.Home, "peers.jsonl"), validator, peer.Options{
		Cap: cfg.Network.DirectoryCap,
		TTL: cfg.Network.DirectoryTTL,
	})
}

// onlinePolicyDeps builds what the grant command needs: identity, a directory
// revalidated against the configured stake source, and a live client.
func onlinePolicyDeps(ctx context.Context, cfg config.Config) (*node.Identity, *peer.Directory, *network.Client, func(), error) {
	id, err := node.LoadIdentity(cfg.Home, worker(cfg))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var verifier stake.Verifier
	cleanupStake := func() {}
	if cfg.Stake.Federated {
		verifier = stake.NewStaticVerifier()
	} else {
		rpcVerifier, err := stake.DialRPC(ctx, cfg.Stake.RPCURL)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		verifier = rpcVerifier
		cleanupStake = rpcVerifier.Close
	}
	validator := &validate.Validator{Stake: verifier, Federated: cfg.Stake.Federated}
	dir, err := peer.NewDirectory(filepath.Join(cfg.Home, "peers.jsonl"), validator, peer.Options{
		Cap: cfg.Network.DirectoryCap,
		TTL: cfg.Network.DirectoryTTL,
	})
	if err != nil {
		cleanupStake()
		return nil, nil, nil, nil, err
	}
	dir.RevalidateStale(ctx)
	client := network.NewClient()
	cleanup := func() {
		client.Close()
		cleanupStake()
	}
	return id, dir, client, cleanup, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func readPrivateKey(path string) (*pre.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(string(trimNewline(data)))
	if err != nil {
		return nil, fmt.Errorf("bad key encoding: %w", err)
	}
	var key pre.PrivateKey
	if err := key.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &key, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
