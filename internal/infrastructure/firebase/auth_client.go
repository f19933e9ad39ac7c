package firebase

import (
	"context"
	"fmt"
	"os"

	fbapp "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

// ClientOption picks service account credentials: inline JSON first, then a
// key file.
func ClientOption(cfg *config.Config) (option.ClientOption, error) {
	if cfg.FirebaseServiceAccountJSON != "" {
		logger.Info("Using Firebase service account from environment variable")
		return option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON)), nil
	}
	if cfg.FirebaseServiceAccountPath == "" {
		return nil, fmt.Errorf("FIREBASE_SERVICE_ACCOUNT_JSON or FIREBASE_SERVICE_ACCOUNT_PATH is required")
	}
	if _, err := os.Stat(cfg.FirebaseServiceAccountPath); err != nil {
		return nil, fmt.Errorf("service account file %s: %w", cfg.FirebaseServiceAccountPath, err)
	}
	logger.Info("Using Firebase service account from file: %s", cfg.FirebaseServiceAccountPath)
	return option.WithCredentialsFile(cfg.FirebaseServiceAccountPath), nil
}

func NewApp(ctx context.Context, cfg *config.Config, opt option.ClientOption) (*fbapp.App, error) {
	app, err := fbapp.NewApp(ctx, &fbapp.Config{ProjectID: cfg.FirebaseProject}, opt)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase: %w", err)
	}
	return app, nil
}

// FirebaseAuthClient verifies Firebase ID tokens issued to marketplace users.
type FirebaseAuthClient struct {
	client *auth.Client
}

func NewFirebaseAuthClient(client *auth.Client) *FirebaseAuthClient {
	return &FirebaseAuthClient{
		client: client,
	}
}

func (f *FirebaseAuthClient) VerifyToken(ctx context.Context, token string) (string, error) {
	result, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		return "", err
	}

	return result.UID, nil
}
