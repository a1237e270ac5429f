package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"optionsettle/core/types"
	"optionsettle/crypto"
	"optionsettle/native/quote"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "generate-key":
		file := "maker.key"
		if len(args) > 1 {
			file = args[1]
		}
		generateKey(file)
	case "address":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a key file.")
			printUsage()
			return
		}
		showAddress(args[1])
	case "sign-quote":
		signQuote(args[1:])
	default:
		fmt.Printf("Unknown command %q\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: settle-cli <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  generate-key [file]       Generate a new maker key (default maker.key)")
	fmt.Println("  address <keyfile>         Print the bech32 and hex address for a key")
	fmt.Println("  sign-quote [flags]        Sign an RFQ premium quote (see -h)")
}

func generateKey(file string) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(file, key.Bytes(), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save key to %s: %v\n", file, err)
		os.Exit(1)
	}
	fmt.Printf("Generated new key and saved to %s\n", file)
	fmt.Printf("Your address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely. Quotes signed with it commit real collateral.")
}

func loadKey(file string) *crypto.PrivateKey {
	raw, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read key file %s: %v\n", file, err)
		os.Exit(1)
	}
	key, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid key material in %s: %v\n", file, err)
		os.Exit(1)
	}
	return key
}

func showAddress(file string) {
	key := loadKey(file)
	raw := key.PubKey().RawAddress()
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
	fmt.Printf("Hex:     0x%s\n", hex.EncodeToString(raw[:]))
}

func signQuote(args []string) {
	fs := flag.NewFlagSet("sign-quote", flag.ExitOnError)
	keyFile := fs.String("key", "maker.key", "signing key file")
	chainID := fs.Uint64("chain-id", 1, "chain id the quote is bound to")
	underlying := fs.String("underlying", "", "underlying asset (hex)")
	settlement := fs.String("settlement", "", "settlement asset (hex)")
	notional := fs.String("notional", "", "notional in underlying base units")
	strike := fs.String("strike", "", "strike in settlement base units per whole underlying unit, 1e18 scale")
	earliest := fs.Int64("earliest", 0, "earliest exercise unix time")
	expiry := fs.Int64("expiry", 0, "expiry unix time")
	premium := fs.String("premium", "", "premium in settlement base units")
	validUntil := fs.Int64("valid-until", 0, "quote validity deadline unix time")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	terms := quote.Terms{
		ChainID:  *chainID,
		Earliest: *earliest,
		Expiry:   *expiry,
	}
	var ok bool
	if terms.Underlying, ok = parseAsset(*underlying); !ok {
		fmt.Fprintf(os.Stderr, "Invalid underlying asset %q\n", *underlying)
		os.Exit(1)
	}
	if terms.Settlement, ok = parseAsset(*settlement); !ok {
		fmt.Fprintf(os.Stderr, "Invalid settlement asset %q\n", *settlement)
		os.Exit(1)
	}
	if terms.Notional, ok = parseAmount(*notional); !ok {
		fmt.Fprintf(os.Stderr, "Invalid notional %q\n", *notional)
		os.Exit(1)
	}
	if terms.Strike, ok = parseAmount(*strike); !ok {
		fmt.Fprintf(os.Stderr, "Invalid strike %q\n", *strike)
		os.Exit(1)
	}
	premiumAmount, ok := parseAmount(*premium)
	if !ok {
		fmt.Fprintf(os.Stderr, "Invalid premium %q\n", *premium)
		os.Exit(1)
	}

	digest, err := quote.Hash(terms, premiumAmount, *validUntil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash quote: %v\n", err)
		os.Exit(1)
	}
	key := loadKey(*keyFile)
	signature, err := key.Sign(digest[:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign quote: %v\n", err)
		os.Exit(1)
	}
	raw := key.PubKey().RawAddress()
	fmt.Printf("Signer:    0x%s\n", hex.EncodeToString(raw[:]))
	fmt.Printf("Digest:    0x%s\n", hex.EncodeToString(digest[:]))
	fmt.Printf("Signature: 0x%s\n", hex.EncodeToString(signature))
}

func parseAsset(s string) (types.Asset, bool) {
	return types.ParseAsset(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
