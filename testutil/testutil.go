// Package testutil provides shared helpers for graphmesh tests.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

// KeyPair generates a throwaway ed25519 key pair.
func KeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

// CID returns a valid CIDv1 derived from the given content.
func CID(t *testing.T, content []byte) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum(content, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}
