package apple_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/provider/apple"
)

const bundleID = "com.example.app"

type signer struct {
	key   *ecdsa.PrivateKey
	chain []string
	roots *x509.CertPool
}

func newSigner(t *testing.T) signer {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	root, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, root, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(root)

	return signer{
		key: leafKey,
		chain: []string{
			base64.StdEncoding.EncodeToString(leafDER),
			base64.StdEncoding.EncodeToString(rootDER),
		},
		roots: pool,
	}
}

func (s signer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["x5c"] = s.chain
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func transaction(userID uuid.UUID, id, original string) jwt.MapClaims {
	return jwt.MapClaims{
		"transactionId":         id,
		"originalTransactionId": original,
		"bundleId":              bundleID,
		"productId":             "com.example.pro.monthly",
		"purchaseDate":          int64(1735689600000),
		"expiresDate":           int64(1738368000000),
		"quantity":              1,
		"appAccountToken":       userID.String(),
		"price":                 9990,
		"currency":              "USD",
	}
}

func newProvider(t *testing.T, s signer) *apple.Provider {
	t.Helper()
	p, err := apple.New(apple.Config{BundleID: bundleID}, apple.WithRootCAs(s.roots))
	require.NoError(t, err)
	return p
}

func TestProvider_ValidatePurchase(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	p := newProvider(t, s)
	userID := uuid.New()

	payload, err := json.Marshal(apple.PurchaseRequest{SignedTransaction: s.sign(t, transaction(userID, "1000", "1000"))})
	require.NoError(t, err)

	ev, err := p.ValidatePurchase(context.Background(), userID, payload)
	require.NoError(t, err)
	assert.Equal(t, provider.EventPurchase, ev.Kind)
	assert.Equal(t, "1000", ev.TransactionID)
	assert.Equal(t, "com.example.pro.monthly", ev.ProductID)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), ev.PurchasedAt)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), ev.ExpiresAt)
	assert.Equal(t, int64(999), ev.Amount.Amount)

	t.Run("another user", func(t *testing.T) {
		t.Parallel()
		_, err := p.ValidatePurchase(context.Background(), uuid.New(), payload)
		assert.ErrorIs(t, err, provider.ErrUserMismatch)
	})

	t.Run("untrusted chain", func(t *testing.T) {
		t.Parallel()
		other := newSigner(t)
		forged, err := json.Marshal(apple.PurchaseRequest{SignedTransaction: other.sign(t, transaction(userID, "1000", "1000"))})
		require.NoError(t, err)

		_, err = p.ValidatePurchase(context.Background(), userID, forged)
		assert.ErrorIs(t, err, provider.ErrInvalidSignature)
	})

	t.Run("wrong bundle", func(t *testing.T) {
		t.Parallel()
		claims := transaction(userID, "1001", "1001")
		claims["bundleId"] = "com.other.app"
		body, err := json.Marshal(apple.PurchaseRequest{SignedTransaction: s.sign(t, claims)})
		require.NoError(t, err)

		_, err = p.ValidatePurchase(context.Background(), userID, body)
		assert.ErrorIs(t, err, provider.ErrInvalidPayload)
	})
}

func TestProvider_ParseNotification(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	p := newProvider(t, s)
	userID := uuid.New()

	notify := func(notificationType, subtype string, tx jwt.MapClaims) []byte {
		claims := jwt.MapClaims{
			"notificationType": notificationType,
			"subtype":          subtype,
			"notificationUUID": uuid.NewString(),
			"data": map[string]any{
				"bundleId":              bundleID,
				"environment":           "Sandbox",
				"signedTransactionInfo": s.sign(t, tx),
			},
		}
		body, err := json.Marshal(map[string]string{"signedPayload": s.sign(t, claims)})
		require.NoError(t, err)
		return body
	}

	tests := []struct {
		name     string
		typ      string
		subtype  string
		expected provider.EventKind
	}{
		{"renewal", "DID_RENEW", "", provider.EventRenewal},
		{"upgrade", "DID_CHANGE_RENEWAL_PREF", "UPGRADE", provider.EventUpgrade},
		{"downgrade", "DID_CHANGE_RENEWAL_PREF", "DOWNGRADE", provider.EventDowngrade},
		{"refund", "REFUND", "", provider.EventRefund},
		{"expired", "EXPIRED", "VOLUNTARY", provider.EventExpired},
		{"ignored", "PRICE_INCREASE", "", provider.EventIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := p.ParseNotification(context.Background(), notify(tt.typ, tt.subtype, transaction(userID, "1002", "1000")), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ev.Kind)
			if tt.expected != provider.EventIgnored {
				assert.Equal(t, "1000", ev.OriginalTransactionID)
				assert.Equal(t, userID, ev.UserID)
			}
		})
	}

	t.Run("tampered payload", func(t *testing.T) {
		t.Parallel()
		_, err := p.ParseNotification(context.Background(), []byte(`{"signedPayload":"a.b.c"}`), nil)
		assert.ErrorIs(t, err, provider.ErrInvalidSignature)
	})
}
