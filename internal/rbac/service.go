package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
)

// StaticChecker grants fixed permission sets per user. It is configured from
// a string of the form "alice=inventory:read|inventory:write;ops=*".
type StaticChecker struct {
	grants map[string][]string
}

// ParseGrants builds a StaticChecker from its textual form.
func ParseGrants(raw string) (*StaticChecker, error) {
	c := &StaticChecker{grants: make(map[string][]string)}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, perms, ok := strings.Cut(entry, "=")
		user = strings.TrimSpace(user)
		if !ok || user == "" {
			return nil, fmt.Errorf("rbac: malformed grant %q", entry)
		}
		for _, p := range strings.Split(perms, "|") {
			if p = strings.TrimSpace(p); p != "" {
				c.grants[user] = append(c.grants[user], p)
			}
		}
	}
	return c, nil
}

// EffectivePermissions returns the configured grants for userID.
func (c *StaticChecker) EffectivePermissions(_ context.Context, userID string) ([]string, error) {
	if c == nil {
		return nil, nil
	}
	return c.grants[userID], nil
}

// PgChecker reads grants from the externally maintained user_permissions table.
type PgChecker struct {
	q db.DBTX
}

// NewPgChecker constructs a PgChecker.
func NewPgChecker(q db.DBTX) *PgChecker {
	return &PgChecker{q: q}
}

// EffectivePermissions lists the permissions granted to userID.
func (c *PgChecker) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := c.q.Query(ctx, `SELECT permission FROM user_permissions WHERE user_id = $1 ORDER BY permission`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
