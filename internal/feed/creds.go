package feed

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// CredentialProvider supplies the bearer token presented to the remote
// calendar feed. Token ownership lives with an external auth
// collaborator; this engine only reads it.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token, mainly for tests.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// FileToken reads the token from a file on every call, so rotated
// credentials are picked up without a restart.
type FileToken string

func (p FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return "", fmt.Errorf("reading credential file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
