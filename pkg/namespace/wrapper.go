// Package namespace runs a command in a private mount namespace whose
// resolver and CA bundle point at the transparent interceptor.
package namespace

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/httpseal/sealtap/pkg/logger"
)

// BundlePath is where the merged CA bundle is mounted inside the namespace
const BundlePath = "/etc/ssl/certs/ca-certificates.crt"

// systemBundles are tried in order when building the merged CA bundle
var systemBundles = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/usr/share/ca-certificates/ca-certificates.crt",
}

// ErrNoCommand is returned by Execute when Options.Command is empty
var ErrNoCommand = errors.New("no command to run")

// Options describes the process to launch
type Options struct {
	Command string
	Args    []string
	// DNSIP becomes the only nameserver in the namespace's resolv.conf
	DNSIP string
	// CACertPath is the PEM certificate appended to the system bundle
	CACertPath string
}

// Wrapper handles process execution in isolated namespaces
type Wrapper struct {
	opts    Options
	logger  logger.Logger
	tempDir string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewWrapper creates a new namespace wrapper
func NewWrapper(opts Options, log logger.Logger) *Wrapper {
	if log == nil {
		log = logger.Nop()
	}
	return &Wrapper{opts: opts, logger: log}
}

// Execute runs the command and waits for it to exit
func (w *Wrapper) Execute() error {
	if w.opts.Command == "" {
		return ErrNoCommand
	}
	attr, err := namespaceAttr()
	if err != nil {
		return err
	}

	w.tempDir, err = os.MkdirTemp("", "sealtap-ns-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer w.cleanup()

	if err := w.prepareIsolatedFiles(); err != nil {
		return fmt.Errorf("failed to prepare isolated files: %w", err)
	}
	script := filepath.Join(w.tempDir, "wrapper.sh")
	if err := os.WriteFile(script, []byte(wrapperScript), 0755); err != nil {
		return fmt.Errorf("failed to write wrapper script: %w", err)
	}

	cmd := exec.Command(script, append([]string{w.opts.Command}, w.opts.Args...)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), w.environment()...)
	cmd.SysProcAttr = attr

	w.mu.Lock()
	w.cmd = cmd
	err = cmd.Start()
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	w.logger.Info("Process '%s' started with PID %d in isolated namespace", w.opts.Command, cmd.Process.Pid)
	return cmd.Wait()
}

// Stop asks the running process to terminate
func (w *Wrapper) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd != nil && w.cmd.Process != nil {
		w.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// prepareIsolatedFiles writes the files the wrapper script bind-mounts
func (w *Wrapper) prepareIsolatedFiles() error {
	ca, err := os.ReadFile(w.opts.CACertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}

	files := map[string][]byte{
		"resolv.conf":         []byte(resolvConf(w.opts.DNSIP)),
		"ca-certificates.crt": mergeBundle(readSystemBundle(), ca),
		"hosts":               []byte(hostsFile),
	}
	for name, data := range files {
		path := filepath.Join(w.tempDir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		w.logger.Debug("Prepared %s", path)
	}
	return nil
}

// environment points common TLS stacks at the merged bundle
func (w *Wrapper) environment() []string {
	return []string{
		"SEALTAP_TEMP_DIR=" + w.tempDir,
		"SSL_CERT_FILE=" + BundlePath,
		"SSL_CERT_DIR=/etc/ssl/certs",
		"CURL_CA_BUNDLE=" + BundlePath,
		"REQUESTS_CA_BUNDLE=" + BundlePath,
		"NODE_EXTRA_CA_CERTS=" + BundlePath,
		"GNUTLS_SYSTEM_TRUST_FILE=" + BundlePath,
	}
}

func (w *Wrapper) cleanup() {
	if w.tempDir == "" {
		return
	}
	if err := os.RemoveAll(w.tempDir); err != nil {
		w.logger.Warn("Failed to remove temp directory: %v", err)
	}
}

func resolvConf(dnsIP string) string {
	return fmt.Sprintf("nameserver %s\n", dnsIP)
}

func readSystemBundle() []byte {
	for _, path := range systemBundles {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
	}
	return nil
}

func mergeBundle(system, ca []byte) []byte {
	out := make([]byte, 0, len(system)+len(ca)+32)
	out = append(out, system...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, "# sealtap CA\n"...)
	out = append(out, ca...)
	return out
}

// hostsFile keeps only loopback names so /etc/hosts cannot bypass the DNS server
const hostsFile = `127.0.0.1	localhost
::1		localhost ip6-localhost ip6-loopback
`

// wrapperScript runs inside the new mount namespace. It bind-mounts the
// prepared files over their system paths and execs the command in "$@".
const wrapperScript = `#!/bin/sh
set -e

mount --make-rprivate / 2>/dev/null || true

bind() {
    [ -f "$SEALTAP_TEMP_DIR/$1" ] || return 0
    mkdir -p "$(dirname "$2")"
    [ -f "$2" ] || touch "$2"
    mount --bind "$SEALTAP_TEMP_DIR/$1" "$2"
}

bind resolv.conf /etc/resolv.conf
bind ca-certificates.crt /etc/ssl/certs/ca-certificates.crt
bind hosts /etc/hosts

exec "$@"
`
