package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/gosuda/tenantry/internal/domain"
)

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"t1.example.com", "t1.example.com"},
		{"T1.Example.COM", "t1.example.com"},
		{"t1.example.com:8080", "t1.example.com"},
		{"t1.example.com.", "t1.example.com"},
		{"  t1.example.com  ", "t1.example.com"},
		{"localhost", "localhost"},
		{"[::1]:8080", "[::1]"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, domain.NormalizeHost(tt.in))
		})
	}
}

func TestTenant_Ready(t *testing.T) {
	t.Parallel()

	var nilTenant *domain.Tenant
	assert.False(t, nilTenant.Ready())
	assert.False(t, (&domain.Tenant{Status: domain.TenantStatusProvisioning}).Ready())
	assert.False(t, (&domain.Tenant{Status: domain.TenantStatusFailed}).Ready())
	assert.True(t, (&domain.Tenant{Status: domain.TenantStatusReady}).Ready())
}

func TestTenant_SchemaName(t *testing.T) {
	t.Parallel()

	tenant := &domain.Tenant{ID: "acme42"}
	assert.Equal(t, "tenant_acme42", tenant.SchemaName("tenant_"))
}

func TestUser_DisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		first string
		last  string
		want  string
	}{
		{"both parts", "Ada", "Lovelace", "Ada Lovelace"},
		{"first only", "Ada", "", "Ada"},
		{"last only", "", "Lovelace", "Lovelace"},
		{"padded", " Ada ", " Lovelace ", "Ada Lovelace"},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u := &domain.User{FirstName: tt.first, LastName: tt.last}
			assert.Equal(t, tt.want, u.DisplayName())
		})
	}
}

func TestAccount_Ref(t *testing.T) {
	t.Parallel()

	a := &domain.Account{ID: uuid.New(), TenantID: "acme", OwnerID: uuid.New(), Name: "Acme"}
	ref := a.Ref()

	assert.Equal(t, a.ID, ref.ID)
	assert.Equal(t, a.TenantID, ref.TenantID)
	assert.Equal(t, a.OwnerID, ref.OwnerID)
	assert.Equal(t, a.Name, ref.Name)
}
