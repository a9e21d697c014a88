package rbac

import "context"

// Permissions guarding the API.
const (
	PermInventoryRead  = "inventory:read"
	PermInventoryWrite = "inventory:write"
	PermFinanceRead    = "finance:read"
	PermFinanceWrite   = "finance:write"
	PermInvoiceDispute = "invoice:dispute"
	// PermAll grants every permission.
	PermAll = "*"
)

// Checker resolves the permissions granted to a caller. Identity and grants
// are owned by an external system.
type Checker interface {
	EffectivePermissions(ctx context.Context, userID string) ([]string, error)
}
