// Package static authenticates bearer tokens against a fixed token table
// loaded from configuration.
package static

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

type credential struct {
	digest [sha256.Size]byte
	id     string
	roles  []string
}

type Authenticator struct {
	credentials []credential
}

// Parse reads "token:role[|role],token:role". The principal id is derived
// from the token position so tokens never appear in logs.
func Parse(spec string) (*Authenticator, error) {
	a := &Authenticator{}
	for i, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		token, rolesRaw, ok := strings.Cut(item, ":")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			return nil, fmt.Errorf("token entry %d: expected token:role", i+1)
		}
		var roles []string
		for _, role := range strings.Split(rolesRaw, "|") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("token entry %d: at least one role required", i+1)
		}
		a.credentials = append(a.credentials, credential{
			digest: sha256.Sum256([]byte(token)),
			id:     fmt.Sprintf("token-%d", i+1),
			roles:  roles,
		})
	}
	return a, nil
}

func (a *Authenticator) Authenticate(_ context.Context, token string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, domain.WrapError(domain.ErrUnauthenticated, "authenticate", errors.New("missing bearer token"))
	}
	digest := sha256.Sum256([]byte(token))
	for _, c := range a.credentials {
		if subtle.ConstantTimeCompare(digest[:], c.digest[:]) == 1 {
			return domain.Principal{ID: c.id, Roles: append([]string(nil), c.roles...)}, nil
		}
	}
	return domain.Principal{}, domain.WrapError(domain.ErrUnauthenticated, "authenticate", errors.New("unknown token"))
}
