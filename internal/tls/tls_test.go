package tls

import (
	"crypto/tls"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/airship/internal/config"
)

func TestSetupTLS_Disabled(t *testing.T) {
	cfg, err := SetupTLS(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = SetupTLS(&config.TLSConfig{Enabled: false, Dir: "/nowhere"})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetupTLS_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := SetupTLS(&config.TLSConfig{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		MinVersion:   "1.3",
		DNSNames:     []string{"controller.internal"},
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.True(t, certificatesExist(filepath.Join(dir, tlsCrt), filepath.Join(dir, tlsKey)))

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}

func TestSetupTLS_ExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName:   "localhost",
		Organization: "airship",
		DNSNames:     []string{"localhost"},
		CertPath:     certPath,
		KeyPath:      keyPath,
	}))

	cfg, err := SetupTLS(&config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	_, err = cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
}

func TestSetupTLS_Missing(t *testing.T) {
	_, err := SetupTLS(&config.TLSConfig{Enabled: true})
	assert.True(t, errors.Is(err, config.ErrConfigMissing))

	_, err = SetupTLS(&config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	assert.True(t, errors.Is(err, config.ErrConfigMissing))

	_, err = SetupTLS(&config.TLSConfig{Enabled: true, Dir: t.TempDir(), MinVersion: "1.0"})
	assert.Error(t, err)
}
