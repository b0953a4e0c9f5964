// Package main generates the secrets the relay server is configured with:
// the relay API key, the at-rest encryption key, the session signing secret,
// and the bcrypt hash of an admin key.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"
)

func randomHex(bytes int) string {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("reading random bytes: %v", err)
	}
	return hex.EncodeToString(b)
}

func main() {
	adminKey := flag.String("admin-key", "", "admin key to hash for auth.admin_key_hash; empty = generate one")
	flag.Parse()

	apiKey := randomHex(24)
	encryptionKey := randomHex(32)
	sessionSecret := randomHex(32)

	admin := *adminKey
	generated := admin == ""
	if generated {
		admin = randomHex(24)
	}
	adminHash, err := bcrypt.GenerateFromPassword([]byte(admin), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("hashing admin key: %v", err)
	}

	fmt.Fprintf(os.Stdout, "auth:\n")
	fmt.Fprintf(os.Stdout, "  api_key: %s\n", apiKey)
	fmt.Fprintf(os.Stdout, "  admin_key_hash: %s\n", adminHash)
	fmt.Fprintf(os.Stdout, "  session_secret: %s\n", sessionSecret)
	fmt.Fprintf(os.Stdout, "encryption:\n")
	fmt.Fprintf(os.Stdout, "  key: %s\n", encryptionKey)
	if generated {
		fmt.Fprintf(os.Stdout, "# admin key (store securely, not in config): %s\n", admin)
	}
}
