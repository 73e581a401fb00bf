// mktoken issues a signed bearer token for local testing.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/eldtechnologies/chatrelay/internal/auth"
	"github.com/eldtechnologies/chatrelay/internal/config"
)

func main() {
	userID := flag.String("user", "", "User id to embed in the token")
	ttl := flag.Duration("ttl", auth.DefaultTTL, "Token lifetime")
	secret := flag.String("secret", "", "Signing secret (defaults to JWT_SECRET)")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: mktoken -user <user-id> [-ttl 168h] [-secret <secret>]")
		os.Exit(1)
	}

	key := *secret
	if key == "" {
		key = config.Load().JWTSecret
	}

	token, err := auth.Issue(key, *userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
