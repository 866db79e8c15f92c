package main

import (
	"fmt"
	"os"

	"github.com/lithos-systems/petra/internal/certsvc"
)

// runKeygen generates an ed25519 keypair for signing/verifying
// PETRA_VERIFY_CONFIG tokens.
func runKeygen(out string) int {
	pub, priv, err := certsvc.GenerateKeypair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		return 1
	}

	body := fmt.Sprintf("PETRA_CONFIG_PUBLIC_KEY=%q\nPETRA_CONFIG_PRIVATE_KEY=%q\n", pub, priv)

	if out == "" {
		fmt.Fprint(os.Stdout, body)
		return 0
	}
	if err := os.WriteFile(out, []byte(body), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "error: writing %s: %s\n", out, err.Error())
		return 1
	}
	return 0
}
