package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/noah-isme/redirectpay/internal/auth"
)

// Mints a merchant access token for local testing and operational scripts.
func main() {
	var (
		merchantID = flag.String("merchant", "", "merchant identifier to embed in the token")
		scopesCSV  = flag.String("scopes", "", "comma separated scopes, e.g. admin")
		ttl        = flag.Duration("ttl", time.Hour, "token lifetime")
		secret     = flag.String("secret", "", "signing secret; defaults to JWT_SECRET")
	)
	flag.Parse()

	_ = godotenv.Load()

	if *merchantID == "" {
		log.Fatal("-merchant is required")
	}
	signingSecret := strings.TrimSpace(*secret)
	if signingSecret == "" {
		signingSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	}
	if signingSecret == "" {
		log.Fatal("JWT_SECRET or -secret is required")
	}

	svc, err := auth.NewService(auth.Config{Secret: signingSecret, AccessTokenTTL: *ttl})
	if err != nil {
		log.Fatalf("initialise auth service: %v", err)
	}

	var scopes []string
	for _, s := range strings.Split(*scopesCSV, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}

	token, expiresAt, err := svc.MintToken(*merchantID, scopes...)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
}
