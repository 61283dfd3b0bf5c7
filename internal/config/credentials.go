package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// DefaultRapidProBlobName is the credentials blob inside the bucket.
const DefaultRapidProBlobName = "rapidpro-config.json"

// ServiceAccount is the subset of the service-account key file the bridge
// needs: the project ID anchors all physical topic names.
type ServiceAccount struct {
	ProjectID string `json:"project_id"`
}

// LoadServiceAccount reads the key file at path.
func LoadServiceAccount(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account file: %w", err)
	}

	var account ServiceAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to parse service account file: %w", err)
	}
	if account.ProjectID == "" {
		return nil, fmt.Errorf("service account file %s has no project_id", path)
	}
	return &account, nil
}

// RapidProCredentials is the gateway credential blob.
type RapidProCredentials struct {
	Domain string `json:"domain"`
	Token  string `json:"token"`
}

// DownloadRapidProCredentials fetches the gateway credentials from the blob
// in bucket, authenticating with the service-account key file.
func DownloadRapidProCredentials(ctx context.Context, serviceAccountPath, bucket, blobName string) (*RapidProCredentials, error) {
	if blobName == "" {
		blobName = DefaultRapidProBlobName
	}

	log.Info().Str("bucket", bucket).Str("blob", blobName).Msg("Downloading RapidPro credentials")

	client, err := storage.NewClient(ctx, option.WithCredentialsFile(serviceAccountPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	defer client.Close()

	reader, err := client.Bucket(bucket).Object(blobName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials blob: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials blob: %w", err)
	}

	var creds RapidProCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials blob: %w", err)
	}
	if creds.Domain == "" || creds.Token == "" {
		return nil, fmt.Errorf("credentials blob %s is incomplete", blobName)
	}

	log.Info().Str("domain", creds.Domain).Str("token", creds.Token[:min(6, len(creds.Token))]+"...").
		Msg("RapidPro credentials loaded")
	return &creds, nil
}
