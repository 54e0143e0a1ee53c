// Package identity holds this node's Ed25519 key and the did:key peer id
// derived from it.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/circle-free/graffiti/internal/fsx"
	"github.com/multiformats/go-multibase"
)

const didKeyPrefix = "did:key:"

// ed25519Multicodec is the multicodec prefix for Ed25519 public keys (0xED01).
var ed25519Multicodec = []byte{0xed, 0x01}

var ErrBadDID = errors.New("identity: invalid did:key")

// Identity holds an Ed25519 keypair and the derived DID.
type Identity struct {
	DID        string `json:"did"`
	PublicKey  string `json:"public_key"`  // base64, 32 bytes
	PrivateKey string `json:"private_key"` // base64, 32-byte seed
}

// Load reads the identity file at path, generating and saving a new one if
// it does not exist yet. The boolean reports whether a key was generated.
func Load(path string) (*Identity, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, false, fmt.Errorf("parse identity: %w", err)
		}
		if err := id.check(); err != nil {
			return nil, false, fmt.Errorf("identity %s: %w", path, err)
		}
		return &id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("read identity: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, false, err
	}
	out, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity: %w", err)
	}
	if err := fsx.WriteAtomicAll(path, out, 0o600); err != nil {
		return nil, false, fmt.Errorf("write identity: %w", err)
	}
	return id, true, nil
}

// Generate creates a fresh keypair without touching disk.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Identity{
		DID:        EncodeDIDKey(pub),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
	}, nil
}

// check verifies that the stored seed, public key and DID agree.
func (id *Identity) check() error {
	priv, err := id.SigningKey()
	if err != nil {
		return err
	}
	pub, err := id.VerifyKey()
	if err != nil {
		return err
	}
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return errors.New("public key does not match private key")
	}
	if EncodeDIDKey(pub) != id.DID {
		return errors.New("did does not match public key")
	}
	return nil
}

func (id *Identity) SigningKey() (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (id *Identity) VerifyKey() (ed25519.PublicKey, error) {
	pub, err := base64.StdEncoding.DecodeString(id.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(pub), nil
}

// EncodeDIDKey encodes a raw Ed25519 public key as did:key:z... using the
// 0xED01 multicodec prefix and base58btc.
func EncodeDIDKey(publicKey []byte) string {
	prefixed := append(append([]byte{}, ed25519Multicodec...), publicKey...)
	encoded, _ := multibase.Encode(multibase.Base58BTC, prefixed)
	return didKeyPrefix + encoded
}

// DecodeDIDKey returns the raw public key inside an Ed25519 did:key.
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	mb, ok := strings.CutPrefix(did, didKeyPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrBadDID, didKeyPrefix)
	}
	enc, raw, err := multibase.Decode(mb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDID, err)
	}
	if enc != multibase.Base58BTC {
		return nil, fmt.Errorf("%w: encoding %c, want base58btc", ErrBadDID, enc)
	}
	key, ok := bytes.CutPrefix(raw, ed25519Multicodec)
	if !ok || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrBadDID)
	}
	return ed25519.PublicKey(key), nil
}
