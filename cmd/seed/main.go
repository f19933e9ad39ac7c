package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"marketchat/internal/adapter/repository"
	"marketchat/internal/domain/entity"
	"marketchat/internal/infrastructure/auth"
	"marketchat/internal/usecase"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

// seed fills the embedded store with a few listings and one started
// conversation, then prints dev tokens for the demo users.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.Init(cfg.LogLevel)

	dbPath := cfg.BadgerPath
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Using database at: %s\n", dbPath)

	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		logger.Fatal("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	listings := repository.NewBadgerListingRepository(db)
	chat := usecase.NewChatUseCase(
		repository.NewBadgerChatRepository(db),
		listings,
		nil,
		nil,
		usecase.DefaultChatConfig(),
		logger.Module("seed"),
	)

	demo := []*entity.Listing{
		{ID: "listing-camera", SellerID: "seller-1", Name: "Mirrorless camera, barely used", Status: "active"},
		{ID: "listing-bike", SellerID: "seller-1", Name: "Road bike 56cm", Status: "active"},
		{ID: "listing-desk", SellerID: "seller-2", Name: "Standing desk", Status: "active"},
	}
	for _, l := range demo {
		if err := listings.Save(ctx, l); err != nil {
			logger.Fatal("Failed to save listing %s: %v", l.ID, err)
		}
	}
	fmt.Printf("Seeded %d listings\n", len(demo))

	if err := seedConversation(ctx, chat); err != nil {
		logger.Fatal("Failed to seed conversation: %v", err)
	}

	tokens := auth.NewDevTokens(cfg.JWTSecret, cfg.TokenTTL())
	for _, user := range []string{"seller-1", "seller-2", "buyer-1", "buyer-2"} {
		token, _, err := tokens.Issue(user)
		if err != nil {
			logger.Fatal("Failed to issue token: %v", err)
		}
		fmt.Printf("%-9s %s\n", user, token)
	}
}

func seedConversation(ctx context.Context, chat *usecase.ChatUseCase) error {
	script := []struct {
		sender string
		body   string
	}{
		{"buyer-1", "Hi, is the camera still available?"},
		{"buyer-2", "Would you take an offer?"},
	}
	for _, line := range script {
		if _, err := chat.SendToListing(ctx, "listing-camera", line.sender, line.body); err != nil {
			return err
		}
	}

	group, err := chat.CreateGroupForListing(ctx, "listing-camera", "seller-1")
	if err != nil {
		return err
	}
	_, err = chat.SendMessage(ctx, usecase.SendMessageInput{
		ChatGroupID: group.ID,
		SenderID:    "seller-1",
		Body:        "Yes, still available. Pickup only.",
	})
	if err != nil {
		return err
	}
	fmt.Printf("Seeded chat group %s\n", group.ID)
	return nil
}
