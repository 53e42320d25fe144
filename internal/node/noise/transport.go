package noise

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2s"
)

// ReplayWindowSize is the width of the anti-replay sliding window, matching
// spec §4.3's 2^13-message window.
const ReplayWindowSize = 1 << 13

// RekeyAfterDuration and RekeyAfterMessages bound how long a transport
// session may be used before a fresh handshake is required (spec §4.3).
const (
	RekeyAfterDuration = 2 * time.Minute
	RekeyAfterMessages = 1 << 60
)

// ErrReplay indicates a data message was rejected by the anti-replay window.
var ErrReplay = errors.New("noise: replayed or too-old counter")

// Session holds the symmetric transport keys derived from a completed
// handshake, plus the monotonic outbound counter and inbound replay window.
type Session struct {
	sendKey [blake2s.Size]byte
	recvKey [blake2s.Size]byte

	sendCounter uint64

	recvWindowHighest uint64
	recvWindowBits    [ReplayWindowSize / 64]uint64

	establishedAt time.Time
}

// NewSession wraps the keys produced by Handshake.Split into a Session.
func NewSession(sendKey, recvKey [blake2s.Size]byte, now time.Time) *Session {
	return &Session{sendKey: sendKey, recvKey: recvKey, establishedAt: now}
}

// Encrypt seals plaintext under the next outbound counter, returning the
// counter used and the ciphertext (with Poly1305 tag appended).
func (s *Session) Encrypt(plaintext []byte) (counter uint64, ciphertext []byte, err error) {
	counter = s.sendCounter
	s.sendCounter++
	ciphertext, err = aeadEncrypt(s.sendKey, counter, plaintext, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("sealing data message: %w", err)
	}
	return counter, ciphertext, nil
}

// SendCounter returns the next counter Encrypt will use, for rekey-threshold checks.
func (s *Session) SendCounter() uint64 { return s.sendCounter }

// EstablishedAt returns when this session's keys were derived.
func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

// Decrypt opens a data message at the given counter, enforcing the sliding
// replay window: the counter must not have been seen before, and must be
// less than ReplayWindowSize behind the highest counter accepted so far.
func (s *Session) Decrypt(counter uint64, ciphertext []byte) ([]byte, error) {
	if !s.checkCounter(counter) {
		return nil, ErrReplay
	}
	plaintext, err := aeadDecrypt(s.recvKey, counter, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening data message: %w", err)
	}
	s.acceptCounter(counter)
	return plaintext, nil
}

func (s *Session) checkCounter(counter uint64) bool {
	if counter > s.recvWindowHighest {
		return true
	}
	diff := s.recvWindowHighest - counter
	if diff >= ReplayWindowSize {
		return false
	}
	word := (counter / 64) % (ReplayWindowSize / 64)
	bit := counter % 64
	return s.recvWindowBits[word]&(1<<bit) == 0
}

func (s *Session) acceptCounter(counter uint64) {
	if counter > s.recvWindowHighest {
		advance := counter - s.recvWindowHighest
		if advance >= ReplayWindowSize {
			for i := range s.recvWindowBits {
				s.recvWindowBits[i] = 0
			}
		} else {
			// Shift the window forward by `advance` bits, clearing newly
			// exposed slots so stale "seen" bits from outside the window
			// don't linger.
			for i := uint64(0); i < advance; i++ {
				c := s.recvWindowHighest + 1 + i
				word := (c / 64) % (ReplayWindowSize / 64)
				bit := c % 64
				s.recvWindowBits[word] &^= 1 << bit
			}
		}
		s.recvWindowHighest = counter
	}
	word := (counter / 64) % (ReplayWindowSize / 64)
	bit := counter % 64
	s.recvWindowBits[word] |= 1 << bit
}

// NeedsRekey reports whether this session has been in use long enough, or
// sent enough messages, to require a fresh handshake per spec §4.3.
func (s *Session) NeedsRekey(now time.Time) bool {
	if now.Sub(s.establishedAt) >= RekeyAfterDuration {
		return true
	}
	return s.sendCounter >= RekeyAfterMessages
}
