// Package hostkey loads the broker's SSH host key, generating one on first
// start.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/ssh"

	"github.com/matst80/portbroker/internal/obs"
)

const comment = "portbroker host key"

// LoadOrGenerate returns the signer stored at path. When the file does not
// exist an ed25519 key is generated and written with mode 0600. A lock file
// next to the key serializes concurrent starts.
func LoadOrGenerate(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, errors.New("hostkey: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("hostkey: create dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("hostkey: lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("hostkey: parse %s: %w", path, err)
		}
		obs.Info("hostkey.loaded", obs.Fields{"path": path, "fingerprint": ssh.FingerprintSHA256(signer.PublicKey())})
		return signer, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("hostkey: read %s: %w", path, err)
	}

	signer, pemBytes, err := generate()
	if err != nil {
		return nil, err
	}
	if err := writeFile(path, pemBytes); err != nil {
		return nil, err
	}
	obs.Info("hostkey.generated", obs.Fields{"path": path, "fingerprint": ssh.FingerprintSHA256(signer.PublicKey())})
	return signer, nil
}

func generate() (ssh.Signer, []byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hostkey: generate: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, nil, fmt.Errorf("hostkey: marshal: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("hostkey: signer: %w", err)
	}
	return signer, pem.EncodeToMemory(block), nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hostkey-*")
	if err != nil {
		return fmt.Errorf("hostkey: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("hostkey: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("hostkey: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hostkey: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("hostkey: rename: %w", err)
	}
	return nil
}
