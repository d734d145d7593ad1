// Package hashchain signs run events into a per-run HMAC chain over a
// rotating keyring, providing tamper evidence for the event log.
//
// Every chain implementation MUST:
//   - Sign with the single active key only
//   - Verify with the key recorded on the event, active or not
//   - Refuse to drop an inactive key that historical events still reference
package hashchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// ErrUnknownKey is returned when verification references a kid that the
// keyring does not hold. Losing such a key is data loss, not a soft miss.
var ErrUnknownKey = errors.New("hashchain: unknown key id")

// ErrKeyInUse is returned when removing a key that events still reference.
var ErrKeyInUse = errors.New("hashchain: key still referenced by events")

// Key is one audit key. Exactly one key in a keyring is active at a time;
// inactive keys are retained for verification of historical chains.
type Key struct {
	KID       string    `json:"kid"`
	Secret    string    `json:"secret"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Keyring holds audit keys and tracks the active one.
type Keyring struct {
	mu        sync.RWMutex
	keys      map[string]Key
	order     []string
	activeKID string
	clock     func() time.Time
}

// NewKeyring builds a keyring from the given keys. The first key marked
// active wins; if none is marked, the first key becomes active.
func NewKeyring(keys []Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("hashchain: keyring requires at least one key")
	}
	r := &Keyring{keys: make(map[string]Key, len(keys)), clock: time.Now}
	for _, k := range keys {
		if k.KID == "" || k.Secret == "" {
			return nil, fmt.Errorf("hashchain: key %q missing kid or secret", k.KID)
		}
		if _, dup := r.keys[k.KID]; dup {
			return nil, fmt.Errorf("hashchain: duplicate kid %q", k.KID)
		}
		if k.CreatedAt.IsZero() {
			k.CreatedAt = time.Now().UTC()
		}
		if k.Active && r.activeKID == "" {
			r.activeKID = k.KID
		}
		k.Active = false
		r.keys[k.KID] = k
		r.order = append(r.order, k.KID)
	}
	if r.activeKID == "" {
		r.activeKID = r.order[0]
	}
	k := r.keys[r.activeKID]
	k.Active = true
	r.keys[r.activeKID] = k
	return r, nil
}

// KeyringFromEnv loads the keyring from AUDIT_KEYS_JSON
// ('[{"kid":"k1","secret":"...","active":true}, ...]') or, failing that,
// from AUDIT_SECRET as a single key with kid "k0".
func KeyringFromEnv() (*Keyring, error) {
	if raw := os.Getenv("AUDIT_KEYS_JSON"); raw != "" {
		var keys []Key
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return nil, fmt.Errorf("hashchain: parsing AUDIT_KEYS_JSON: %w", err)
		}
		return NewKeyring(keys)
	}
	secret := os.Getenv("AUDIT_SECRET")
	if secret == "" {
		secret = "dev_audit_secret_change_me"
	}
	return NewKeyring([]Key{{KID: "k0", Secret: secret, Active: true}})
}

// ActiveKID returns the id of the current signing key.
func (r *Keyring) ActiveKID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeKID
}

// Secret returns the secret for kid, active or inactive.
func (r *Keyring) Secret(kid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[kid]
	if !ok {
		return "", false
	}
	return k.Secret, true
}

// Rotate stores a new key and, if makeActive, marks it the signing key.
// The previously active key stays in the ring for verification.
func (r *Keyring) Rotate(kid, secret string, makeActive bool) error {
	if kid == "" || secret == "" {
		return errors.New("hashchain: rotate requires kid and secret")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[kid]; !exists {
		r.order = append(r.order, kid)
	}
	r.keys[kid] = Key{KID: kid, Secret: secret, Active: false, CreatedAt: r.clock().UTC()}
	if makeActive {
		if prev, ok := r.keys[r.activeKID]; ok {
			prev.Active = false
			r.keys[r.activeKID] = prev
		}
		k := r.keys[kid]
		k.Active = true
		r.keys[kid] = k
		r.activeKID = kid
	}
	return nil
}

// Remove drops a key from the ring. inUse reports whether any persisted
// event still references the kid; removal is refused in that case.
func (r *Keyring) Remove(kid string, inUse func(kid string) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kid == r.activeKID {
		return errors.New("hashchain: cannot remove the active key")
	}
	if _, ok := r.keys[kid]; !ok {
		return ErrUnknownKey
	}
	if inUse != nil && inUse(kid) {
		return fmt.Errorf("%w: %s", ErrKeyInUse, kid)
	}
	delete(r.keys, kid)
	for i, id := range r.order {
		if id == kid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Keys lists the keys with secrets redacted, newest first.
func (r *Keyring) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Key, 0, len(r.keys))
	for _, kid := range r.order {
		k := r.keys[kid]
		k.Secret = ""
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Export returns the full keys including secrets, in insertion order.
// Used to seed the relational audit_keys table.
func (r *Keyring) Export() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Key, 0, len(r.keys))
	for _, kid := range r.order {
		out = append(out, r.keys[kid])
	}
	return out
}

// Chain signs and verifies event hashes against a keyring.
type Chain struct {
	ring *Keyring
}

// New creates a chain over the given keyring.
func New(ring *Keyring) *Chain {
	return &Chain{ring: ring}
}

// Keyring exposes the underlying keyring.
func (c *Chain) Keyring() *Keyring { return c.ring }

// Sign computes hex(HMAC-SHA256(secret, prevHash + "|" + canonical)) with
// the active key and returns the hash and the signing kid.
// prevHash is "" for the first event of a run.
func (c *Chain) Sign(prevHash string, canonical []byte) (hash, kid string, err error) {
	kid = c.ring.ActiveKID()
	secret, ok := c.ring.Secret(kid)
	if !ok {
		return "", "", ErrUnknownKey
	}
	return hmacHex(secret, prevHash, canonical), kid, nil
}

// Verify recomputes the hash with the key recorded on the event.
func (c *Chain) Verify(prevHash string, canonical []byte, hash, kid string) error {
	secret, ok := c.ring.Secret(kid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	want := hmacHex(secret, prevHash, canonical)
	if !hmac.Equal([]byte(want), []byte(hash)) {
		return fmt.Errorf("hashchain: hash mismatch for kid %s", kid)
	}
	return nil
}

func hmacHex(secret, prevHash string, canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prevHash))
	mac.Write([]byte("|"))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}
