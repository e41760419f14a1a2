// Command opsctl holds operator tooling: hashing the emergency unblock secret
// and issuing access tokens for admin accounts.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/middleware"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	switch os.Args[1] {
	case "hash-secret":
		hashSecret(os.Args[2:])
	case "issue-token":
		issueToken(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: opsctl hash-secret -secret <value>")
	fmt.Fprintln(os.Stderr, "       opsctl issue-token -user <uuid> -username <name> [-role admin] [-ttl 1h]")
}

func hashSecret(args []string) {
	fs := flag.NewFlagSet("hash-secret", flag.ExitOnError)
	secret := fs.String("secret", "", "Emergency unblock secret to hash")
	fs.Parse(args)

	if len(*secret) < 16 {
		log.Fatal().Msg("Secret must be at least 16 characters")
	}

	hash, err := argon2id.CreateHash(*secret, argon2id.DefaultParams)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash secret")
	}
	fmt.Println(hash)
}

func issueToken(args []string) {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	user := fs.String("user", "", "Account id")
	username := fs.String("username", "", "Account username")
	role := fs.String("role", string(models.RoleAdmin), "Role claim: user or admin")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	fs.Parse(args)

	id, err := uuid.Parse(*user)
	if err != nil {
		log.Fatal().Err(err).Msg("-user must be a UUID")
	}
	r := models.Role(*role)
	if r != models.RoleAdmin && r != models.RoleUser {
		log.Fatal().Str("role", *role).Msg("Unknown role")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	token, err := middleware.NewJWTAuthenticator(&cfg.JWT).IssueAccessToken(id, *username, r, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}
	fmt.Println(token)
}
