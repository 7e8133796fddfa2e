package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"dialog/internal/auth"
	"dialog/internal/config"
	"dialog/internal/storage"
)

// AddUser creates an account directly in the local database, printing the
// generated password. Meant for bootstrapping a deployment before the
// register endpoint is opened up.
func AddUser(username string, cfg *config.Config) error {
	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	secret := cfg.AuthSecret
	if secret == "" {
		// Registration does not need a signing secret; use a throwaway.
		secret = "cli"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(secret)),
		TokenExpiry: cfg.TokenExpiry,
	}, store)
	if err != nil {
		return err
	}

	password, err := randomPassword()
	if err != nil {
		return err
	}

	user, err := authService.Register(username, password)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:  %s\n", user.Username)
	fmt.Printf("User ID:   %s\n", user.ID)
	fmt.Printf("Password:  %s\n\n", password)
	fmt.Println("Please share the password with the user and ask them to keep it safe.")
	return nil
}

func randomPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
