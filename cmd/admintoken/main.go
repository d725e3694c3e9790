// Command admintoken prints a bearer token for the management routes, signed with ADMIN_JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/johnrirwin/spinefeed/internal/auth"
	"github.com/johnrirwin/spinefeed/internal/config"
	"github.com/johnrirwin/spinefeed/internal/logging"
)

func main() {
	subject := flag.String("subject", "admin", "token subject")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to ADMIN_TOKEN_TTL or 12h)")
	cfg := config.Load()

	svc := auth.NewService(cfg.Auth, logging.New(logging.LevelError))
	if svc == nil {
		fmt.Fprintln(os.Stderr, "ADMIN_JWT_SECRET is not set")
		os.Exit(1)
	}

	token, err := svc.IssueAdminToken(*subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	if *ttl > 0 {
		fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(*ttl).UTC().Format(time.RFC3339))
	}
}
