package repair

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	signer := NewTokenSigner("s3cret", time.Hour)
	tenant, ticket := uuid.New(), uuid.New()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	token := signer.Sign(tenant, ticket, now)

	gotTenant, gotTicket, err := signer.Verify(token, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, tenant, gotTenant)
	require.Equal(t, ticket, gotTicket)
}

func TestTokenExpiry(t *testing.T) {
	signer := NewTokenSigner("s3cret", time.Hour)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	token := signer.Sign(uuid.New(), uuid.New(), now)

	_, _, err := signer.Verify(token, now.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenRejectsForgery(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	signer := NewTokenSigner("s3cret", time.Hour)
	other := NewTokenSigner("different", time.Hour)

	token := other.Sign(uuid.New(), uuid.New(), now)
	_, _, err := signer.Verify(token, now)
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, _, err = signer.Verify("not-a-token", now)
	require.ErrorIs(t, err, ErrTokenInvalid)
}
