package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/punchamoorthee/tenantledger/internal/apperr"
)

// Claims is the subset of a bearer token the gate cares about.
type Claims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	jwt.RegisteredClaims
}

// Gate rejects tenant-scoped operations that run without a tenant and
// resolves the tenant for inbound requests.
type Gate struct {
	secret []byte
	public map[string]struct{}
}

// NewGate builds a gate. An empty secret disables credential parsing; the
// listed operations bypass the tenant requirement.
func NewGate(secret string, publicOps ...string) *Gate {
	g := &Gate{public: make(map[string]struct{}, len(publicOps))}
	if secret != "" {
		g.secret = []byte(secret)
	}
	for _, op := range publicOps {
		g.public[op] = struct{}{}
	}
	return g
}

// IsPublic reports whether op bypasses the tenant check.
func (g *Gate) IsPublic(op string) bool {
	_, ok := g.public[op]
	return ok
}

// Check is the pre-condition run before op touches tenant data.
func (g *Gate) Check(ctx context.Context, op string) error {
	if g.IsPublic(op) {
		return nil
	}
	_, err := Require(ctx)
	return err
}

// Resolve derives the tenant for a request from an optional bearer token
// and an optional tenant hint (a header). When both are present they must
// agree; a disagreement is ErrTenantMismatch. An empty result means no
// tenant could be determined.
func (g *Gate) Resolve(authorization, hint string) (string, error) {
	hint = strings.TrimSpace(hint)

	token := bearerToken(authorization)
	if token == "" || g.secret == nil {
		return hint, nil
	}

	claims, err := g.parse(token)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrTenantContextMissing, "invalid credential", err)
	}
	if claims.TenantID == "" {
		return hint, nil
	}
	if hint != "" && hint != claims.TenantID {
		return "", apperr.Wrap(apperr.ErrTenantMismatch,
			fmt.Sprintf("credential tenant %q does not match requested tenant %q", claims.TenantID, hint), nil)
	}
	return claims.TenantID, nil
}

func (g *Gate) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
