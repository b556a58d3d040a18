package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuth2ConfigExchanger is the Exchange method of oauth2.Config
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE exchanges code with the S256 verifier using httpClient
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, ClassifyTokenError("exchange code", err)
	}
	return token, nil
}

// ClassifyTokenError wraps err, adding ErrInvalidGrant when the token endpoint
// answered with invalid_grant
func ClassifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
		return fmt.Errorf("failed to %s: %w: %w", op, ErrInvalidGrant, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
