// Package noise implements the Noise-IK handshake and ChaCha20-Poly1305
// transport used by the Node's crypto session (spec §4.3), following the
// same construction WireGuard uses for its own handshake: BLAKE2s for
// hashing and the HKDF-like key derivation, X25519 for the DH, and
// ChaCha20-Poly1305 for the AEAD. internal/config/keys.go already wraps
// curve25519 the same way for static keys; this package reuses that shape
// for ephemeral keys and layers the handshake state machine on top.
package noise

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of an X25519 key.
const KeySize = 32

// Key is a 32-byte Curve25519 key (private or public).
type Key [KeySize]byte

// IsZero reports whether k is the all-zero value.
func (k Key) IsZero() bool {
	var zero Key
	return k == zero
}

// String returns the base64-encoded representation of the key, the same
// encoding used for the key files and signaling payloads elsewhere in the
// node package.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

var noiseConstruction = []byte("Noise_IK_25519_ChaChaPoly_BLAKE2s")
var identifier = []byte("bamgate v1 noise-ik")

// GenerateKeypair generates a new random static or ephemeral X25519 keypair.
func GenerateKeypair() (priv, pub Key, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return Key{}, Key{}, fmt.Errorf("generating private key: %w", err)
	}
	clamp(&priv)
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return priv, pub, nil
}

// PublicFromPrivate derives the X25519 public key for an existing private
// key, e.g. one loaded from disk rather than produced by GenerateKeypair.
func PublicFromPrivate(priv Key) Key {
	var pub Key
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return pub
}

func clamp(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func dh(priv, pub Key) (Key, error) {
	var shared Key
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return Key{}, fmt.Errorf("computing shared secret: %w", err)
	}
	copy(shared[:], out)
	return shared, nil
}

func newBlake2sHMAC(key []byte) hash.Hash {
	return hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
}

// hmac1 computes HMAC-BLAKE2s(key, in0), WireGuard's single-input HMAC helper.
func hmac1(key, in0 []byte) []byte {
	h := newBlake2sHMAC(key)
	h.Write(in0)
	return h.Sum(nil)
}

// kdf2 derives two 32-byte outputs from key and input, per the Noise KDF:
//
//	t0 = HMAC(key, input)
//	t1 = HMAC(t0, 0x1)
//	t2 = HMAC(t0, t1 || 0x2)
func kdf2(key, input []byte) (out1, out2 [blake2s.Size]byte) {
	t0 := hmac1(key, input)

	h1 := newBlake2sHMAC(t0)
	h1.Write([]byte{0x1})
	copy(out1[:], h1.Sum(nil))

	h2 := newBlake2sHMAC(t0)
	h2.Write(out1[:])
	h2.Write([]byte{0x2})
	copy(out2[:], h2.Sum(nil))
	return
}

func mixHash(h *[blake2s.Size]byte, data []byte) {
	hasher, _ := blake2s.New256(nil)
	hasher.Write(h[:])
	hasher.Write(data)
	copy(h[:], hasher.Sum(nil))
}

func mixKey(ck *[blake2s.Size]byte, input []byte) {
	o1, _ := kdf2(ck[:], input)
	*ck = o1
}

func aeadEncrypt(key [blake2s.Size]byte, counter uint64, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func aeadDecrypt(key [blake2s.Size]byte, counter uint64, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return pt, nil
}

// Role distinguishes the two ends of a handshake. The initiator (ICE
// controlling side) sends message 1; the responder (controlled side)
// sends message 2.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Handshake carries the mutable state of an in-progress Noise-IK handshake.
// Exactly one of WriteMessage1/ReadMessage1 and one of WriteMessage2/ReadMessage2
// is ever called in sequence; calling them out of order is a caller bug.
type Handshake struct {
	role Role

	chainKey [blake2s.Size]byte
	hash     [blake2s.Size]byte

	localStaticPriv, localStaticPub Key
	remoteStaticPub                 Key

	localEphemeralPriv, localEphemeralPub Key
	remoteEphemeralPub                    Key

	done bool
}

// NewInitiator starts a handshake as the offering side, addressed to remoteStatic.
func NewInitiator(localPriv, localPub, remoteStatic Key) *Handshake {
	hs := &Handshake{role: Initiator, localStaticPriv: localPriv, localStaticPub: localPub, remoteStaticPub: remoteStatic}
	hs.initHash(remoteStatic)
	return hs
}

// NewResponder starts a handshake as the accepting side; the remote static
// key is learned from the incoming message 1.
func NewResponder(localPriv, localPub Key) *Handshake {
	hs := &Handshake{role: Responder, localStaticPriv: localPriv, localStaticPub: localPub}
	hs.initHash(localPub)
	return hs
}

func (hs *Handshake) initHash(respondersStatic Key) {
	hasher, _ := blake2s.New256(nil)
	hasher.Write(noiseConstruction)
	copy(hs.chainKey[:], hasher.Sum(nil))

	h, _ := blake2s.New256(nil)
	h.Write(hs.chainKey[:])
	h.Write(identifier)
	copy(hs.hash[:], h.Sum(nil))

	mixHash(&hs.hash, respondersStatic[:])
}

// WriteMessage1 produces the Initiation message: ephemeral public key
// followed by the static public key encrypted under a key derived from
// DH(e_priv, responder_static).
func (hs *Handshake) WriteMessage1() ([]byte, error) {
	if hs.role != Initiator {
		return nil, errors.New("noise: WriteMessage1 called on responder handshake")
	}

	ePriv, ePub, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	hs.localEphemeralPriv, hs.localEphemeralPub = ePriv, ePub

	mixHash(&hs.hash, ePub[:])
	mixKey(&hs.chainKey, ePub[:])

	dhES, err := dh(ePriv, hs.remoteStaticPub)
	if err != nil {
		return nil, err
	}
	_, key := kdf2(hs.chainKey[:], dhES[:])
	mixKey(&hs.chainKey, dhES[:])

	encStatic, err := aeadEncrypt(key, 0, hs.localStaticPub[:], hs.hash[:])
	if err != nil {
		return nil, err
	}
	mixHash(&hs.hash, encStatic)

	dhSS, err := dh(hs.localStaticPriv, hs.remoteStaticPub)
	if err != nil {
		return nil, err
	}
	mixKey(&hs.chainKey, dhSS[:])

	msg := make([]byte, 0, KeySize+len(encStatic))
	msg = append(msg, ePub[:]...)
	msg = append(msg, encStatic...)
	return msg, nil
}

// ReadMessage1 parses an Initiation message, recovering the initiator's
// ephemeral and static public keys. Returns the initiator's static public
// key so the caller (connection manager) can confirm it matches the
// expected remote static key for this connection.
func (hs *Handshake) ReadMessage1(msg []byte) (Key, error) {
	if hs.role != Responder {
		return Key{}, errors.New("noise: ReadMessage1 called on initiator handshake")
	}
	if len(msg) < KeySize+KeySize+chacha20poly1305.Overhead {
		return Key{}, errors.New("noise: initiation message too short")
	}

	var ePub Key
	copy(ePub[:], msg[:KeySize])
	hs.remoteEphemeralPub = ePub

	mixHash(&hs.hash, ePub[:])
	mixKey(&hs.chainKey, ePub[:])

	dhES, err := dh(hs.localStaticPriv, ePub)
	if err != nil {
		return Key{}, err
	}
	_, key := kdf2(hs.chainKey[:], dhES[:])
	mixKey(&hs.chainKey, dhES[:])

	encStatic := msg[KeySize:]
	staticPlain, err := aeadDecrypt(key, 0, encStatic, hs.hash[:])
	if err != nil {
		return Key{}, fmt.Errorf("decrypting initiator static key: %w", err)
	}
	mixHash(&hs.hash, encStatic)

	var remoteStatic Key
	copy(remoteStatic[:], staticPlain)
	hs.remoteStaticPub = remoteStatic

	dhSS, err := dh(hs.localStaticPriv, remoteStatic)
	if err != nil {
		return Key{}, err
	}
	mixKey(&hs.chainKey, dhSS[:])

	return remoteStatic, nil
}

// WriteMessage2 produces the Response message, completing the responder's
// half of the handshake: its own ephemeral key plus an empty AEAD payload
// binding in the two ee/se DH results.
func (hs *Handshake) WriteMessage2() ([]byte, error) {
	if hs.role != Responder {
		return nil, errors.New("noise: WriteMessage2 called on initiator handshake")
	}

	ePriv, ePub, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	hs.localEphemeralPriv, hs.localEphemeralPub = ePriv, ePub

	mixHash(&hs.hash, ePub[:])
	mixKey(&hs.chainKey, ePub[:])

	dhEE, err := dh(ePriv, hs.remoteEphemeralPub)
	if err != nil {
		return nil, err
	}
	mixKey(&hs.chainKey, dhEE[:])

	dhSE, err := dh(ePriv, hs.remoteStaticPub)
	if err != nil {
		return nil, err
	}
	mixKey(&hs.chainKey, dhSE[:])

	var empty [0]byte
	encEmpty, err := aeadEncrypt(hs.chainKey, 0, empty[:], hs.hash[:])
	if err != nil {
		return nil, err
	}
	mixHash(&hs.hash, encEmpty)
	hs.done = true

	msg := make([]byte, 0, KeySize+len(encEmpty))
	msg = append(msg, ePub[:]...)
	msg = append(msg, encEmpty...)
	return msg, nil
}

// ReadMessage2 parses the Response message and finalizes the initiator's
// view of the handshake.
func (hs *Handshake) ReadMessage2(msg []byte) error {
	if hs.role != Initiator {
		return errors.New("noise: ReadMessage2 called on responder handshake")
	}
	if len(msg) < KeySize+chacha20poly1305.Overhead {
		return errors.New("noise: response message too short")
	}

	var ePub Key
	copy(ePub[:], msg[:KeySize])
	hs.remoteEphemeralPub = ePub

	mixHash(&hs.hash, ePub[:])
	mixKey(&hs.chainKey, ePub[:])

	dhEE, err := dh(hs.localEphemeralPriv, ePub)
	if err != nil {
		return err
	}
	mixKey(&hs.chainKey, dhEE[:])

	dhSE, err := dh(hs.localStaticPriv, ePub)
	if err != nil {
		return err
	}
	mixKey(&hs.chainKey, dhSE[:])

	encEmpty := msg[KeySize:]
	if _, err := aeadDecrypt(hs.chainKey, 0, encEmpty, hs.hash[:]); err != nil {
		return fmt.Errorf("decrypting response payload: %w", err)
	}
	mixHash(&hs.hash, encEmpty)
	hs.done = true
	return nil
}


// Done reports whether both handshake messages have been processed.
func (hs *Handshake) Done() bool { return hs.done }

// RemoteStaticKey returns the remote party's static public key, valid once
// it has been learned (always true for an initiator; true for a responder
// after ReadMessage1).
func (hs *Handshake) RemoteStaticKey() Key { return hs.remoteStaticPub }

// Split derives the two transport directions' symmetric keys from the final
// chaining key. WireGuard's convention is that the initiator's send key is
// the responder's receive key and vice versa; hs.role decides whether this
// end is the initiator (and therefore sends on the first-derived key).
func (hs *Handshake) Split() (sendKey, recvKey [blake2s.Size]byte, err error) {
	if !hs.done {
		return [32]byte{}, [32]byte{}, errors.New("noise: handshake not complete")
	}
	k1, k2 := kdf2(hs.chainKey[:], nil)
	if hs.role == Initiator {
		return k1, k2, nil
	}
	return k2, k1, nil
}
