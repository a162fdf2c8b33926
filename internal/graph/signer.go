package graph

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/graphmesh/graphmesh/pkg/proto"
)

// Signer signs entries on behalf of one host identity.
type Signer struct {
	host string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner creates a signer for the given host identity.
func NewSigner(host string, priv ed25519.PrivateKey) *Signer {
	return &Signer{
		host: host,
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}
}

// Host returns the identity this signer signs as.
func (s *Signer) Host() string {
	return s.host
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Sign stamps the entry with this signer's identity, public key and
// signature.
func (s *Signer) Sign(e *proto.Entry) {
	e.Author = s.host
	e.Pub = s.pub
	e.Sig = ed25519.Sign(s.priv, entryDigest(e))
}

// Verify checks an entry's signature against the given public key.
func Verify(pub ed25519.PublicKey, e proto.Entry) bool {
	if len(e.Sig) == 0 {
		return false
	}
	return ed25519.Verify(pub, entryDigest(&e), e.Sig)
}

// entryDigest is the signed digest: key, timestamp, frozen flag and value.
// The author field is excluded since it is set alongside the signature.
func entryDigest(e *proto.Entry) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%t|", e.Key, e.UpdatedAt, e.Frozen)
	h.Write(e.Value)
	return h.Sum(nil)
}
