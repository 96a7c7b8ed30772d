// Package auth resolves bearer tokens into callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/joss/scribe/internal/domain"
)

// ErrNoToken is returned when a request carries no credentials.
var ErrNoToken = errors.New("missing bearer token")

// Verifier turns a bearer token into the caller it identifies. Every
// failure wraps domain.ErrForbidden.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.Caller, error)
}

func forbidden(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrForbidden, err)
}

// BearerToken extracts the token of an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// IDTokenVerifier is the part of the Firebase auth client used here.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// Firebase verifies Firebase ID tokens. The caller is the token UID.
type Firebase struct {
	client IDTokenVerifier
}

var _ Verifier = (*Firebase)(nil)

// NewFirebase initialises the Admin SDK for projectID. An empty
// credentialsFile falls back to application default credentials.
func NewFirebase(ctx context.Context, projectID, credentialsFile string) (*Firebase, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth client: %w", err)
	}
	return &Firebase{client: client}, nil
}

// NewFirebaseWithClient wraps an existing token verifier.
func NewFirebaseWithClient(c IDTokenVerifier) *Firebase {
	return &Firebase{client: c}
}

func (f *Firebase) Verify(ctx context.Context, token string) (domain.Caller, error) {
	if token == "" {
		return domain.Caller{}, forbidden(ErrNoToken)
	}
	tok, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		return domain.Caller{}, forbidden(fmt.Errorf("verify id token: %w", err))
	}
	if tok.UID == "" {
		return domain.Caller{}, forbidden(errors.New("token has no uid"))
	}
	return domain.Caller{UserID: tok.UID}, nil
}

// Static maps fixed tokens to user ids.
type Static struct {
	tokens map[string]string
}

var _ Verifier = (*Static)(nil)

// NewStatic creates a verifier from a token to user id map.
func NewStatic(tokens map[string]string) *Static {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &Static{tokens: cp}
}

// ParseStatic reads "token:uid,token:uid" pairs.
func ParseStatic(spec string) (*Static, error) {
	tokens := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tok, uid, ok := strings.Cut(pair, ":")
		if !ok || tok == "" || uid == "" {
			return nil, fmt.Errorf("invalid static token entry %q", pair)
		}
		tokens[tok] = uid
	}
	if len(tokens) == 0 {
		return nil, errors.New("no static tokens configured")
	}
	return NewStatic(tokens), nil
}

func (s *Static) Verify(_ context.Context, token string) (domain.Caller, error) {
	if token == "" {
		return domain.Caller{}, forbidden(ErrNoToken)
	}
	uid, ok := s.tokens[token]
	if !ok {
		return domain.Caller{}, forbidden(errors.New("unknown token"))
	}
	return domain.Caller{UserID: uid}, nil
}

// Anonymous accepts any token as one fixed local user.
type Anonymous struct {
	UserID string
}

var _ Verifier = Anonymous{}

func (a Anonymous) Verify(context.Context, string) (domain.Caller, error) {
	if a.UserID == "" {
		return domain.Caller{}, forbidden(errors.New("no local user configured"))
	}
	return domain.Caller{UserID: a.UserID}, nil
}
