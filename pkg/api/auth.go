package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rampartsec/rampart/pkg/events"
	"github.com/rampartsec/rampart/pkg/store"
)

// ErrInvalidToken is returned by token validators for unknown or
// expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// TokenValidator resolves a bearer token to its credentials. Session
// management is external; implementations typically call the identity
// service.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (events.Credentials, error)
}

// StaticTokenValidator maps fixed tokens to credentials. Used by tests
// and single-tenant dev setups.
type StaticTokenValidator map[string]events.Credentials

func (v StaticTokenValidator) Validate(_ context.Context, token string) (events.Credentials, error) {
	creds, ok := v[token]
	if !ok {
		return events.Credentials{}, ErrInvalidToken
	}
	return creds, nil
}

// ParseStaticTokens builds a StaticTokenValidator from a spec of the
// form "token:userID:orgID[,token:userID:orgID...]". Used when tokens
// come from the environment instead of an identity service.
func ParseStaticTokens(spec string) (StaticTokenValidator, error) {
	v := StaticTokenValidator{}
	if spec == "" {
		return v, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("invalid token entry %q, want token:userID:orgID", entry)
		}
		userID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id in token entry %q", entry)
		}
		orgID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid organization id in token entry %q", entry)
		}
		v[parts[0]] = events.Credentials{UserID: userID, OrganizationID: orgID}
	}
	return v, nil
}

// wsAuthenticator adapts a TokenValidator to the live channel's
// authenticate-first handshake: the token must resolve to the identity
// the client claims.
type wsAuthenticator struct {
	validator TokenValidator
}

// NewWSAuthenticator builds the live channel authenticator.
func NewWSAuthenticator(validator TokenValidator) events.Authenticator {
	return &wsAuthenticator{validator: validator}
}

func (a *wsAuthenticator) Authenticate(ctx context.Context, token string, claimed events.Credentials) error {
	creds, err := a.validator.Validate(ctx, token)
	if err != nil {
		return err
	}
	if creds.UserID != claimed.UserID || creds.OrganizationID != claimed.OrganizationID {
		return ErrInvalidToken
	}
	return nil
}

// executionAuthorizer answers execution-channel subscription checks
// with an org-scoped store read.
type executionAuthorizer struct {
	store store.Store
}

// NewExecutionAuthorizer builds the live channel execution authorizer.
func NewExecutionAuthorizer(st store.Store) events.ExecutionAuthorizer {
	return &executionAuthorizer{store: st}
}

func (a *executionAuthorizer) ExecutionInOrg(ctx context.Context, executionID string, orgID int64) bool {
	_, err := a.store.GetExecution(ctx, orgID, executionID)
	return err == nil
}
