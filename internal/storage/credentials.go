package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"dh2ocol/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingCredentials is returned when a required credential field is
// empty.
var ErrMissingCredentials = errors.New("missing store credentials")

// LoadCredentials returns the service account described by cfg. When
// cfg.CredentialsFile is set the JSON document at that path is used,
// otherwise the fields read from the environment. Literal "\n" sequences in
// the private key are expanded, so keys pasted into a single env line work.
func LoadCredentials(cfg config.Storage) (config.Credentials, error) {
	creds := cfg.Credentials

	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return config.Credentials{}, fmt.Errorf("read credentials file: %w", err)
		}
		creds = config.Credentials{}
		if err := json.Unmarshal(data, &creds); err != nil {
			return config.Credentials{}, fmt.Errorf("decode credentials file: %w", err)
		}
	}

	creds.PrivateKey = strings.ReplaceAll(creds.PrivateKey, `\n`, "\n")

	if err := validateCredentials(creds); err != nil {
		return config.Credentials{}, err
	}
	return creds, nil
}

func validateCredentials(creds config.Credentials) error {
	required := []struct {
		name  string
		value string
	}{
		{"type", creds.Type},
		{"project_id", creds.ProjectID},
		{"private_key", creds.PrivateKey},
		{"client_email", creds.ClientEmail},
	}

	var missing []string
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}

	if _, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey)); err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	return nil
}
