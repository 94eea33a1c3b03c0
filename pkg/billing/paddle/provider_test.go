package paddle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonKindaTired/cvally/pkg/billing"
)

const testSecret = "pdl_ntfset_test_secret"

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func signHeader(secret string, body []byte, signedAt time.Time) http.Header {
	ts := signedAt.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d:", ts)
	mac.Write(body)

	header := http.Header{}
	header.Set("Paddle-Signature", fmt.Sprintf("ts=%d;h1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return header
}

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	provider, err := NewProvider(Config{WebhookSecret: testSecret})
	require.NoError(t, err)
	provider.now = func() time.Time { return testNow }
	return provider
}

func TestNewProvider_RequiresSecret(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestVerifySignature(t *testing.T) {
	provider := newTestProvider(t)
	body := []byte(`{"event_type":"transaction.completed"}`)

	t.Run("valid signature", func(t *testing.T) {
		assert.NoError(t, provider.VerifySignature(signHeader(testSecret, body, testNow), body))
	})

	t.Run("missing header", func(t *testing.T) {
		err := provider.VerifySignature(http.Header{}, body)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		err := provider.VerifySignature(signHeader("other", body, testNow), body)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		header := signHeader(testSecret, body, testNow)
		tampered := append([]byte{}, body...)
		tampered[len(tampered)-2] = 'X'
		err := provider.VerifySignature(header, tampered)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("timestamp outside replay window", func(t *testing.T) {
		err := provider.VerifySignature(signHeader(testSecret, body, testNow.Add(-6*time.Minute)), body)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)

		err = provider.VerifySignature(signHeader(testSecret, body, testNow.Add(6*time.Minute)), body)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("timestamp just inside replay window", func(t *testing.T) {
		assert.NoError(t, provider.VerifySignature(signHeader(testSecret, body, testNow.Add(-4*time.Minute)), body))
	})

	t.Run("header missing parts", func(t *testing.T) {
		header := http.Header{}
		header.Set("Paddle-Signature", "h1=deadbeef")
		assert.ErrorIs(t, provider.VerifySignature(header, body), billing.ErrInvalidSignature)

		header.Set("Paddle-Signature", "ts=1748779200")
		assert.ErrorIs(t, provider.VerifySignature(header, body), billing.ErrInvalidSignature)

		header.Set("Paddle-Signature", "ts=abc;h1=deadbeef")
		assert.ErrorIs(t, provider.VerifySignature(header, body), billing.ErrInvalidSignature)
	})
}
