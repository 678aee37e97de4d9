package util

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPrivateIP(t *testing.T) {
	for ip, want := range map[string]bool{
		"10.1.2.3":    true,
		"192.168.0.4": true,
		"127.0.0.1":   true,
		"169.254.1.1": true,
		"8.8.8.8":     false,
		"not-an-ip":   false,
	} {
		assert.Equal(t, want, IsPrivateIP(ip), ip)
	}
}

func TestAdvertisedIPPrefersConfigured(t *testing.T) {
	assert.Equal(t, "203.0.113.7", AdvertisedIP(context.Background(), "203.0.113.7", "127.0.0.1", 6256, true))
}

func TestAdvertisedIPTowardLoopbackMaster(t *testing.T) {
	assert.Equal(t, "127.0.0.1", AdvertisedIP(context.Background(), "", "127.0.0.1", 6256, false))
}

func TestEnsureSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls", "api.crt")
	key := filepath.Join(dir, "tls", "api.key")

	require.NoError(t, EnsureSelfSignedCert(cert, key, "sustenet.example"))
	pair, err := tls.LoadX509KeyPair(cert, key)
	require.NoError(t, err)
	require.NotEmpty(t, pair.Certificate)

	// Existing files are left alone.
	require.NoError(t, EnsureSelfSignedCert(cert, key))
	again, err := tls.LoadX509KeyPair(cert, key)
	require.NoError(t, err)
	assert.Equal(t, pair.Certificate[0], again.Certificate[0])
}
