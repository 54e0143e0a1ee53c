// Package blob provides content-addressed stores for wall snapshots. Every
// backend names content by its CIDv1 (raw codec, sha2-256), so the same bytes
// get the same id everywhere.
package blob

import (
	"context"
	"errors"
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

var (
	ErrNotFound     = errors.New("blob: not found")
	ErrBadContentID = errors.New("blob: invalid content id")
	ErrHashMismatch = errors.New("blob: content does not match id")
)

// Store writes bytes and returns their content id, and reads bytes back by
// id.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, contentID string) ([]byte, error)
}

// ComputeCID computes a CIDv1 (raw codec, SHA2-256) for the given data.
func ComputeCID(data []byte) (gocid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(gocid.Raw, mh), nil
}

// ContentID returns the string form of ComputeCID(data).
func ContentID(data []byte) (string, error) {
	c, err := ComputeCID(data)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// CIDToFilename returns the base32lower encoding of a CID for use as a
// filename or object name.
func CIDToFilename(c gocid.Cid) string {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return encoded
}

// ParseContentID decodes a content id in any multibase encoding.
func ParseContentID(s string) (gocid.Cid, error) {
	c, err := gocid.Decode(s)
	if err != nil {
		return gocid.Undef, fmt.Errorf("%w: %q: %v", ErrBadContentID, s, err)
	}
	return c, nil
}

// Verify checks that data hashes to c. Only ids using a multihash this
// package can recompute are checked; others pass through.
func Verify(c gocid.Cid, data []byte) error {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadContentID, err)
	}
	if decoded.Code != multihash.SHA2_256 || c.Prefix().Codec != gocid.Raw {
		return nil
	}
	got, err := ComputeCID(data)
	if err != nil {
		return err
	}
	if !got.Equals(c) {
		return fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, c, got)
	}
	return nil
}
