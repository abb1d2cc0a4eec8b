package namespace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvConf(t *testing.T) {
	assert.Equal(t, "nameserver 127.0.53.1\n", resolvConf("127.0.53.1"))
}

func TestMergeBundle(t *testing.T) {
	assert.Equal(t, "SYS\n# sealtap CA\nCA", string(mergeBundle([]byte("SYS"), []byte("CA"))))
	assert.Equal(t, "SYS\n# sealtap CA\nCA", string(mergeBundle([]byte("SYS\n"), []byte("CA"))))
	assert.Equal(t, "# sealtap CA\nCA", string(mergeBundle(nil, []byte("CA"))))
}

func TestPrepareIsolatedFiles(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(caPath, []byte("-----BEGIN CERTIFICATE-----\n"), 0644))

	w := NewWrapper(Options{DNSIP: "127.0.53.1", CACertPath: caPath}, nil)
	w.tempDir = t.TempDir()
	require.NoError(t, w.prepareIsolatedFiles())

	resolv, err := os.ReadFile(filepath.Join(w.tempDir, "resolv.conf"))
	require.NoError(t, err)
	assert.Equal(t, "nameserver 127.0.53.1\n", string(resolv))

	bundle, err := os.ReadFile(filepath.Join(w.tempDir, "ca-certificates.crt"))
	require.NoError(t, err)
	assert.Contains(t, string(bundle), "# sealtap CA\n-----BEGIN CERTIFICATE-----")

	hosts, err := os.ReadFile(filepath.Join(w.tempDir, "hosts"))
	require.NoError(t, err)
	assert.Equal(t, hostsFile, string(hosts))
}

func TestPrepareIsolatedFilesNeedsCA(t *testing.T) {
	w := NewWrapper(Options{DNSIP: "127.0.53.1", CACertPath: filepath.Join(t.TempDir(), "missing.crt")}, nil)
	w.tempDir = t.TempDir()
	assert.Error(t, w.prepareIsolatedFiles())
}

func TestEnvironmentPointsAtBundle(t *testing.T) {
	w := NewWrapper(Options{}, nil)
	w.tempDir = "/tmp/sealtap-ns-1"
	env := w.environment()
	assert.Contains(t, env, "SEALTAP_TEMP_DIR=/tmp/sealtap-ns-1")
	assert.Contains(t, env, "SSL_CERT_FILE="+BundlePath)
	assert.Contains(t, env, "NODE_EXTRA_CA_CERTS="+BundlePath)
}

func TestExecuteWithoutCommand(t *testing.T) {
	w := NewWrapper(Options{}, nil)
	assert.ErrorIs(t, w.Execute(), ErrNoCommand)
	w.Stop()
}
