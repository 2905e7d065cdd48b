// admintoken 用 JWT_SECRET / JWT_ISSUER 签发一个 admin token，供运维调用 /api/v1/admin。
//
//	go run ./cmd/tools/admintoken -sub ops -ttl 1h
package main

import (
	"flag"
	"fmt"
	"log"

	"snowlink.local/internal/platform/auth"
	"snowlink.local/internal/platform/config"
)

func main() {
	cfg := config.Load()
	sub := flag.String("sub", "ops", "token subject")
	ttl := flag.Duration("ttl", cfg.JWTTTL, "token lifetime")
	flag.Parse()

	ts, err := auth.NewHS256Service(cfg.JWTSecret, cfg.JWTIssuer, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	token, err := ts.Sign(*sub, auth.RoleAdmin)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
