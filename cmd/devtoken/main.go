// Command devtoken mints an access token for local testing. With -create it
// also inserts the user into the configured store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"chatrelay-backend/internal/auth"
	"chatrelay-backend/internal/config"
	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/store/mongodb"
	"chatrelay-backend/internal/store/postgres"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	userFlag := flag.String("user", "", "user id (random when empty)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	create := flag.Bool("create", false, "insert the user into the configured store")
	email := flag.String("email", "", "email for -create")
	name := flag.String("name", "", "display name for -create")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	userID := uuid.New()
	if *userFlag != "" {
		if userID, err = uuid.Parse(*userFlag); err != nil {
			log.Fatalf("FATAL: invalid -user: %v", err)
		}
	}

	if *create {
		if err := createUser(cfg, &models.User{ID: userID, Email: *email, Name: *name}); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}

	token, err := auth.NewAccessToken(userID, cfg.JWTSecret, *ttl)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	fmt.Printf("user_id=%s\ntoken=%s\n", userID, token)
}

func createUser(cfg *config.Config, user *models.User) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if user.Email == "" {
		user.Email = user.ID.String() + "@dev.local"
	}

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		st := postgres.NewPostgresStore(pool, zap.NewNop())
		defer st.Close(ctx)
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		return st.CreateUser(ctx, user)
	case config.StoreDriverMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		st := mongodb.NewMongoStore(client, cfg.MongoDatabase, zap.NewNop())
		defer st.Close(ctx)
		return st.CreateUser(ctx, user)
	default:
		return fmt.Errorf("-create needs a persistent store, STORE_DRIVER is %q", cfg.StoreDriver)
	}
}
