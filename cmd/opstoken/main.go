// opstoken mints a service JWT for calling the ts-parkops API. The signing
// key comes from JWT_SIGNING_KEY and must match the server's.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/technosupport/ts-parkops/internal/tokens"
)

func main() {
	service := flag.String("service", "ops-cli", "service name to embed in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	key := os.Getenv("JWT_SIGNING_KEY")
	if key == "" {
		log.Fatal("JWT_SIGNING_KEY is not set")
	}

	token, err := tokens.NewManager(key).Generate(*service, *ttl)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
