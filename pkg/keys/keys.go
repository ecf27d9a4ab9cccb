package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Pair is an Ed25519 SSH key pair in OpenSSH wire formats: the private
// key PEM-encoded, the public key in authorized_keys form.
type Pair struct {
	PrivatePEM    []byte
	AuthorizedKey []byte
}

// GeneratePair creates a fresh Ed25519 key pair for a user. The comment
// is embedded in the authorized_keys line.
func GeneratePair(comment string) (*Pair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	authorized := ssh.MarshalAuthorizedKey(sshPub)
	if comment != "" {
		// MarshalAuthorizedKey terminates with a newline; splice the
		// comment in before it.
		authorized = append(authorized[:len(authorized)-1],
			[]byte(" "+comment+"\n")...)
	}

	return &Pair{
		PrivatePEM:    pem.EncodeToMemory(block),
		AuthorizedKey: authorized,
	}, nil
}

// PublicKey returns the authorized_keys line as a string.
func (p *Pair) PublicKey() string {
	return string(p.AuthorizedKey)
}

// OneTimeCredential returns a high-entropy credential handed to the user
// exactly once on container creation. 24 random bytes, URL-safe base64.
func OneTimeCredential() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ShareToken returns an unguessable share-link token (192 bits).
func ShareToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
