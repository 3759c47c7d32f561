package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tapeworks/meetingbot/pkg/delivery"
	"github.com/tapeworks/meetingbot/pkg/log"
)

// runSign computes the X-Webhook-Signature value for a payload, so
// subscribers can check their verifier against the exact canonical
// serialization the server uses.
func runSign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	secret := fs.String("secret", "", "Base64 webhook secret")
	file := fs.String("file", "-", "Payload JSON file, - for stdin")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s sign -secret <base64> [-file payload.json]\n\nPrints the canonical payload and its signature.\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if *secret == "" {
		log.Fatal("No secret provided. Use -secret with the project's base64 webhook secret")
	}

	var raw []byte
	var err error
	if *file == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*file)
	}
	if err != nil {
		log.Fatalf("Failed to read payload: %v", err)
	}

	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Fatalf("Payload is not valid JSON: %v", err)
	}
	body, err := delivery.Canonical(payload)
	if err != nil {
		log.Fatalf("Failed to canonicalize payload: %v", err)
	}
	sig, err := delivery.Sign(body, *secret)
	if err != nil {
		log.Fatalf("Failed to sign payload: %v", err)
	}

	fmt.Printf("%s\n%s: %s\n", body, delivery.SignatureHeader, sig)
}
