package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/oggyb/muzz-connect/internal/config"
	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/logger"
)

func main() {
	tokens := flag.Int("tokens", 0, "print bearer tokens for the first N seeded users")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "lifetime of printed tokens")
	flag.Parse()

	// Load configuration
	cfg := config.New()
	logger.InitFromConfig(cfg)
	log := logger.L()

	database, err := db.NewDB(cfg)
	if err != nil {
		log.Error("failed to init db", "err", err)
		os.Exit(1)
	}

	if err := db.SeedTestData(database); err != nil {
		log.Error("failed to seed", "err", err)
		os.Exit(1)
	}
	log.Info("seeding completed")

	identity := external.NewJWTIdentity(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	for id := 1; id <= *tokens; id++ {
		token, err := identity.Issue(uint64(id), *ttl)
		if err != nil {
			log.Error("failed to issue token", "user", id, "err", err)
			os.Exit(1)
		}
		fmt.Printf("user%d\t%s\n", id, token)
	}
}
