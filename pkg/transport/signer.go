package transport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
)

// ErrBadSignature is returned when a message fails verification
var ErrBadSignature = errors.New("bad message signature")

// Signer signs outgoing messages and verifies incoming ones
type Signer interface {
	NodeID() string
	Sign(msg *Message) error
	Verify(msg *Message) error
}

// Ed25519Signer signs the blake3 digest of a message with an ed25519 key.
// Public keys of peers are pinned on first use.
type Ed25519Signer struct {
	nodeID string
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey

	mtx    sync.RWMutex
	pinned map[string]ed25519.PublicKey
}

// NewEd25519Signer returns a signer with a random key
func NewEd25519Signer(nodeID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate signing key")
	}
	return newSigner(nodeID, pub, priv), nil
}

// DeriveEd25519Signer derives the node key deterministically from seed so a
// restarted node keeps its identity
func DeriveEd25519Signer(nodeID string, seed []byte) (*Ed25519Signer, error) {
	if len(seed) == 0 {
		return nil, errors.Invalid("empty key seed")
	}
	r := hkdf.New(sha256.New, seed, nil, []byte("trainpool/node-key/"+nodeID))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, errors.Wrap(err, "derive signing key")
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	return newSigner(nodeID, priv.Public().(ed25519.PublicKey), priv), nil
}

func newSigner(nodeID string, pub ed25519.PublicKey, priv ed25519.PrivateKey) *Ed25519Signer {
	s := &Ed25519Signer{
		nodeID: nodeID,
		priv:   priv,
		pub:    pub,
		pinned: make(map[string]ed25519.PublicKey),
	}
	s.pinned[nodeID] = pub
	return s
}

// NodeID returns the id messages are signed as
func (s *Ed25519Signer) NodeID() string {
	return s.nodeID
}

// PublicKey returns the signer's public key
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.pub...)
}

// Pin records the public key of a peer ahead of its first message
func (s *Ed25519Signer) Pin(nodeID string, pub ed25519.PublicKey) {
	s.mtx.Lock()
	s.pinned[nodeID] = append(ed25519.PublicKey(nil), pub...)
	s.mtx.Unlock()
}

// Sign sets From, PublicKey and Signature on msg
func (s *Ed25519Signer) Sign(msg *Message) error {
	if msg == nil {
		return errors.Invalid("nil message")
	}
	msg.From = s.nodeID
	msg.PublicKey = s.PublicKey()
	msg.Signature = ed25519.Sign(s.priv, Digest(msg))
	return nil
}

// Verify checks the signature against the key pinned for msg.From, pinning
// the carried key when the sender is new
func (s *Ed25519Signer) Verify(msg *Message) error {
	if msg == nil || len(msg.Signature) == 0 {
		return ErrBadSignature
	}
	if len(msg.PublicKey) != ed25519.PublicKeySize {
		return errors.Wrapf(ErrBadSignature, "message %s has no usable public key", msg.ID)
	}

	s.mtx.RLock()
	known, ok := s.pinned[msg.From]
	s.mtx.RUnlock()
	if ok && !bytes.Equal(known, msg.PublicKey) {
		return errors.Wrapf(ErrBadSignature, "key mismatch for %s", msg.From)
	}
	if !ed25519.Verify(msg.PublicKey, Digest(msg), msg.Signature) {
		return errors.Wrapf(ErrBadSignature, "message %s from %s", msg.ID, msg.From)
	}
	if !ok {
		s.Pin(msg.From, msg.PublicKey)
	}
	return nil
}

// Digest returns the blake3 hash over the signed fields of msg
func Digest(msg *Message) []byte {
	h := blake3.New(32, nil)
	writeField := func(b []byte) {
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(len(b)))
		_, _ = h.Write(l[:])
		_, _ = h.Write(b)
	}
	writeField([]byte(msg.ID))
	writeField([]byte(msg.Type))
	writeField([]byte(msg.From))
	writeField([]byte(msg.To))
	writeField([]byte(msg.SessionID))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(msg.Timestamp.UnixNano()))
	writeField(ts[:])
	writeField(msg.Payload)
	writeField(msg.PublicKey)
	return h.Sum(nil)
}
