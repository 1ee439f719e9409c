// Package authsvc implements the §6 "Signature verification" collaborator:
// parsing ADB's ssh-rsa adbkey.pub format and checking a nonce signature
// against an accepted-keys list, grounded on
// original_source/adb_auth_key.c's accepted-keys semantics but restated
// over golang.org/x/crypto/ssh and crypto/rsa instead of OpenSSL.
package authsvc

import (
	"bufio"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/dvbridge/adbd/cmn/nlog"
	"github.com/dvbridge/adbd/dsrv"
)

// SSHVerifier implements dsrv.Verifier against a file of ssh-rsa public
// keys (one per line, adbkey.pub format), matching the historical ADB
// digest: SHA-1 over the nonce, verified with PKCS#1v1.5.
type SSHVerifier struct {
	mu             sync.RWMutex
	keys           []*rsa.PublicKey
	path           string
	autoAcceptPath string
}

// NewSSHVerifier loads every ssh-rsa key from path (missing file is not an
// error: an empty verifier rejects every signature until a key is added).
func NewSSHVerifier(path string) (*SSHVerifier, error) {
	v := &SSHVerifier{path: path}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload re-reads the accepted-keys file; safe to call concurrently with
// Verify (e.g. from a fsnotify watch in the config package).
func (v *SSHVerifier) Reload() error {
	keys, err := loadKeys(v.path)
	if err != nil {
		return errors.Wrapf(err, "loading authorized keys from %q", v.path)
	}
	v.mu.Lock()
	v.keys = keys
	v.mu.Unlock()
	for _, k := range keys {
		nlog.Infof("authsvc: accepted key %s", keyFingerprint(k))
	}
	return nil
}

func loadKeys(path string) ([]*rsa.PublicKey, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys []*rsa.PublicKey
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			nlog.Warningf("authsvc: skipping unparsable key line: %v", err)
			continue
		}
		cryptoKey, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			continue
		}
		rsaKey, ok := cryptoKey.CryptoPublicKey().(*rsa.PublicKey)
		if !ok {
			continue
		}
		keys = append(keys, rsaKey)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Verify checks signature against nonce for every accepted key (§6
// "Signature verification"), matching original_source/adb_auth_key.c's
// historical SHA-1/PKCS#1v1.5 digest.
func (v *SSHVerifier) Verify(nonce, signature []byte) bool {
	v.mu.RLock()
	keys := v.keys
	v.mu.RUnlock()

	sum := sha1.Sum(nonce)
	for _, key := range keys {
		if rsa.VerifyPKCS1v15(key, crypto.SHA1, sum[:], signature) == nil {
			return true
		}
	}
	return false
}

// AcceptPublicKey implements the AUTH RSAPUBLICKEY branch (§4.4): outside
// of AutoAcceptKeys, a newly-presented key is never trusted on first use by
// this verifier — pairing a device interactively (out of scope here) is
// what appends to the keys file that Reload then picks up.
func (v *SSHVerifier) AcceptPublicKey([]byte) bool {
	return false
}

var _ dsrv.Verifier = (*SSHVerifier)(nil)

func keyFingerprint(key *rsa.PublicKey) string {
	return fmt.Sprintf("rsa-%d", key.Size()*8)
}
