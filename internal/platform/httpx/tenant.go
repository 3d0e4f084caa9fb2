package httpx

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// TenantHeader carries the ambient tenant id resolved by the edge proxy.
const TenantHeader = "X-Tenant-ID"

// TenantID extracts the tenant id from the request.
func TenantID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(TenantHeader)
	if raw == "" {
		return uuid.Nil, shared.Validationf("tenant", "missing %s header", TenantHeader)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, shared.Validationf("tenant", "malformed %s header", TenantHeader)
	}
	return id, nil
}
