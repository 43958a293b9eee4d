package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/ledger"
	"github.com/b0ase/bcorp-mint-sub003/pkg/signature"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"

	"github.com/spf13/viper"
)

const usage = `usage:
  vaultctl key new
  vaultctl key address --key <wif|hex>
  vaultctl anchor verify --txid <txid>
  vaultctl challenge sign --key <wif|hex> (--challenge <text> | --challenge-file <path>)
  vaultctl level --strand <type[/subtype]> [--strand ...]`

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	*r = append(*r, v)
	return nil
}

func main() {
	conf, err := loadConfig()
	if err != nil {
		fail("config", err.Error())
		os.Exit(2)
	}
	if len(os.Args) < 2 {
		fail("", usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "key":
		runKey(conf, args)
	case "anchor":
		runAnchor(conf, args)
	case "challenge":
		runChallenge(conf, args)
	case "level":
		runLevel(args)
	default:
		fail("", "unknown command "+os.Args[1])
		os.Exit(2)
	}
}

// loadConfig reads ~/.vaultctl.yaml when present; VAULTCTL_* environment
// variables override it.
func loadConfig() (*viper.Viper, error) {
	conf := viper.New()
	conf.SetDefault("network", string(ledger.Mainnet))
	conf.SetDefault("ledger_api_url", "https://api.whatsonchain.com/v1/bsv/main")
	conf.SetDefault("explorer_url", "https://whatsonchain.com/tx/")
	conf.SetDefault("timeout", "30s")
	conf.SetEnvPrefix("VAULTCTL")
	conf.AutomaticEnv()

	if path := configPath(); path != "" {
		conf.SetConfigFile(path)
		if err := conf.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	switch ledger.Network(conf.GetString("network")) {
	case ledger.Mainnet, ledger.Testnet:
	default:
		return nil, fmt.Errorf("network must be main or test")
	}
	return conf, nil
}

func configPath() string {
	if path := os.Getenv("VAULTCTL_CONFIG"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".vaultctl.yaml")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ""
	}
	return path
}

func network(conf *viper.Viper) ledger.Network {
	return ledger.Network(conf.GetString("network"))
}

func runKey(conf *viper.Viper, args []string) {
	if len(args) == 0 {
		fail("", usage)
		os.Exit(2)
	}
	switch args[0] {
	case "new":
		priv, wif, err := ledger.NewKey(network(conf))
		if err != nil {
			fail("key new", err.Error())
			os.Exit(1)
		}
		addr, err := ledger.Address(priv.PubKey(), network(conf))
		if err != nil {
			fail("key new", err.Error())
			os.Exit(1)
		}
		pass("key new", map[string]any{"wif": wif, "address": addr, "network": network(conf)})
	case "address":
		fs := flag.NewFlagSet("key address", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		keyFlag := fs.String("key", "", "private key as WIF or hex")
		if err := fs.Parse(args[1:]); err != nil {
			fail("key address", err.Error())
			os.Exit(2)
		}
		priv, err := ledger.ParseKey(*keyFlag)
		if err != nil {
			fail("key address", err.Error())
			os.Exit(2)
		}
		addr, err := ledger.Address(priv.PubKey(), network(conf))
		if err != nil {
			fail("key address", err.Error())
			os.Exit(1)
		}
		pass("key address", map[string]any{"address": addr, "network": network(conf)})
	default:
		fail("", usage)
		os.Exit(2)
	}
}

func runAnchor(conf *viper.Viper, args []string) {
	if len(args) == 0 || args[0] != "verify" {
		fail("", usage)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("anchor verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	txid := fs.String("txid", "", "transaction id to verify")
	if err := fs.Parse(args[1:]); err != nil {
		fail("anchor verify", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*txid) == "" {
		fail("anchor verify", "--txid is required")
		os.Exit(2)
	}
	timeout := conf.GetDuration("timeout")
	svc, err := anchor.NewService(anchor.Config{
		Network:     network(conf),
		Timeout:     timeout,
		ExplorerURL: conf.GetString("explorer_url"),
	}, ledger.NewClient(conf.GetString("ledger_api_url"), nil), nil, nil)
	if err != nil {
		fail("anchor verify", err.Error())
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v := svc.Verify(ctx, strings.TrimSpace(*txid))
	if !v.Verified {
		fail("anchor verify", v.Reason)
		os.Exit(1)
	}
	pass("anchor verify", map[string]any{"anchor": v})
}

func runChallenge(conf *viper.Viper, args []string) {
	if len(args) == 0 || args[0] != "sign" {
		fail("", usage)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("challenge sign", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	keyFlag := fs.String("key", "", "private key as WIF or hex")
	challenge := fs.String("challenge", "", "challenge text from the signing view")
	challengeFile := fs.String("challenge-file", "", "path to a file holding the challenge text")
	if err := fs.Parse(args[1:]); err != nil {
		fail("challenge sign", err.Error())
		os.Exit(2)
	}
	text := *challenge
	if *challengeFile != "" {
		raw, err := os.ReadFile(*challengeFile)
		if err != nil {
			fail("challenge sign", "read challenge failed: "+err.Error())
			os.Exit(1)
		}
		text = strings.TrimRight(string(raw), "\r\n")
	}
	if text == "" {
		fail("challenge sign", "--challenge or --challenge-file is required")
		os.Exit(2)
	}
	priv, err := ledger.ParseKey(*keyFlag)
	if err != nil {
		fail("challenge sign", err.Error())
		os.Exit(2)
	}
	addr, err := ledger.Address(priv.PubKey(), network(conf))
	if err != nil {
		fail("challenge sign", err.Error())
		os.Exit(1)
	}
	sig, pub := signature.SignSecp256k1(priv, text)
	proof := signature.WalletProof{
		SignerAddress: addr,
		PublicKey:     pub,
		Signature:     sig,
		WalletType:    signature.WalletSecp256k1,
	}
	if err := signature.VerifyWallet(text, proof, network(conf)); err != nil {
		fail("challenge sign", err.Error())
		os.Exit(1)
	}
	pass("challenge sign", map[string]any{"wallet": proof})
}

func runLevel(args []string) {
	fs := flag.NewFlagSet("level", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var strands repeatStringFlag
	fs.Var(&strands, "strand", "strand key as type or type/subtype (repeatable)")
	if err := fs.Parse(args); err != nil {
		fail("level", err.Error())
		os.Exit(2)
	}
	keys := make([]strand.Key, 0, len(strands))
	for _, s := range strands {
		k, err := strand.ParseKey(s)
		if err != nil {
			fail("level", err.Error())
			os.Exit(2)
		}
		keys = append(keys, k)
	}
	st := strand.Compute(keys)
	pass("level", map[string]any{
		"score":       st.Score,
		"level":       st.Level,
		"label":       st.Label(),
		"fingerprint": strand.Fingerprint(keys),
	})
}

func pass(command string, fields map[string]any) {
	summary("PASS", command, "", fields)
}

func fail(command, reason string) {
	summary("FAIL", command, reason, nil)
}

func summary(status, command, reason string, fields map[string]any) {
	out := map[string]any{"status": status, "timestamp_utc": time.Now().UTC().Format(time.RFC3339)}
	if command != "" {
		out["command"] = command
	}
	if reason != "" {
		out["reason"] = reason
	}
	for k, v := range fields {
		out[k] = v
	}
	b, _ := json.Marshal(out)
	fmt.Println(string(b))
}
