package principal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTier_Valid(t *testing.T) {
	tests := []struct {
		tier Tier
		want bool
	}{
		{TierFree, true},
		{TierPro, true},
		{TierTeam, true},
		{TierEnterprise, true},
		{Tier("gold"), false},
		{Tier(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tier.Valid())
		})
	}
}

func TestPrincipal_HasPermission(t *testing.T) {
	p := &Principal{
		ID:          "user-1",
		Permissions: map[string]struct{}{"prompts.write": {}},
	}

	assert.True(t, p.HasPermission("prompts.write"))
	assert.False(t, p.HasPermission("prompts.delete"))

	empty := &Principal{ID: "user-2"}
	assert.False(t, empty.HasPermission("prompts.write"))
}

func TestPrincipal_IsAnonymous(t *testing.T) {
	assert.True(t, Anonymous("10.0.0.1").IsAnonymous())
	assert.True(t, (&Principal{}).IsAnonymous())
	assert.False(t, (&Principal{ID: "user-1"}).IsAnonymous())
}

func TestPrincipal_SessionAge(t *testing.T) {
	now := time.Now()
	p := &Principal{SessionIssuedAt: now.Add(-30 * time.Minute)}
	assert.Equal(t, 30*time.Minute, p.SessionAge(now))

	zero := &Principal{}
	assert.Equal(t, time.Duration(0), zero.SessionAge(now))
}

func TestAnonymous(t *testing.T) {
	p := Anonymous("192.0.2.7")
	assert.Equal(t, AnonymousID, p.ID)
	assert.Equal(t, TierFree, p.Tier)
	assert.Equal(t, "192.0.2.7", p.IPAddress)
}

func TestContextRoundTrip(t *testing.T) {
	p := &Principal{ID: "user-1"}
	ctx := ContextWithPrincipal(context.Background(), p)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, p, got)

	got, err := FromContextOrError(ctx)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestFromContextOrError_Missing(t *testing.T) {
	_, err := FromContextOrError(context.Background())
	assert.ErrorIs(t, err, ErrPrincipalNotFound)

	ctx := ContextWithPrincipal(context.Background(), nil)
	_, err = FromContextOrError(ctx)
	assert.ErrorIs(t, err, ErrPrincipalNil)
}
