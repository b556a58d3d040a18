package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"golang.org/x/oauth2"
)

type fakeExchanger struct {
	err     error
	gotOpts int
}

func (f *fakeExchanger) Exchange(_ context.Context, _ string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	f.gotOpts = len(opts)
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "at"}, nil
}

func TestExchangeCodeWithPKCE(t *testing.T) {
	ex := &fakeExchanger{}
	tok, err := ExchangeCodeWithPKCE(context.Background(), ex, http.DefaultClient, "code", "verifier")
	if err != nil {
		t.Fatalf("ExchangeCodeWithPKCE() error = %v", err)
	}
	if tok.AccessToken != "at" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if ex.gotOpts != 1 {
		t.Errorf("expected verifier option, got %d options", ex.gotOpts)
	}
}

func TestClassifyTokenError(t *testing.T) {
	invalid := &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	if err := ClassifyTokenError("refresh token", invalid); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expected ErrInvalidGrant, got %v", err)
	}

	transient := &oauth2.RetrieveError{ErrorCode: "temporarily_unavailable"}
	if err := ClassifyTokenError("refresh token", transient); errors.Is(err, ErrInvalidGrant) {
		t.Errorf("transient error classified as invalid_grant: %v", err)
	}

	var re *oauth2.RetrieveError
	if err := ClassifyTokenError("refresh token", invalid); !errors.As(err, &re) {
		t.Error("original RetrieveError lost")
	}
}
