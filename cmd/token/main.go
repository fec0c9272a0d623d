// Command token mints a development access token for a user id, signed
// with the server's JWT_SECRET.
package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/stancp327/Fetchwork-sub000/internal/config"
	"github.com/stancp327/Fetchwork-sub000/internal/security"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	userID := flag.Int64P("user", "u", 0, "user id placed in the token subject")
	ttl := flag.Duration("ttl", 0, "token lifetime (default ACCESS_TOKEN_EXPIRE_MINUTES)")
	flag.Parse()

	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "--user is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	tokens := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	var tok string
	if *ttl > 0 {
		tok, err = tokens.CreateWithTTL(*userID, *ttl)
	} else {
		tok, err = tokens.CreateForUser(*userID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
