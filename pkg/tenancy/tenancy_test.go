package tenancy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{
		ActorID:      "user-1",
		TenantID:     "T1",
		Capabilities: []string{"read", "execute"},
	})

	p, err := GetPrincipal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "T1", p.TenantID)
	assert.True(t, p.HasCapability("execute"))
	assert.False(t, p.HasCapability("admin"))

	tid, err := TenantID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "T1", tid)
}

func TestTenantID_Missing(t *testing.T) {
	_, err := TenantID(context.Background())
	assert.Error(t, err)

	ctx := WithPrincipal(context.Background(), Principal{ActorID: "u"})
	_, err = TenantID(ctx)
	assert.Error(t, err, "empty tenant binding must be rejected")
}

func TestCorrelationID(t *testing.T) {
	assert.Empty(t, CorrelationID(context.Background()))
	ctx := WithCorrelationID(context.Background(), "corr-123")
	assert.Equal(t, "corr-123", CorrelationID(ctx))
}
