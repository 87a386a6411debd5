package crypto

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"taracol/pkg/codec"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

// Keyring manages append-only key histories, one per account.
type Keyring struct {
	mu        sync.RWMutex
	histories map[types.DID]*history
	store     *FileStore
	logger    *zap.Logger
}

// history serializes mutations of one account's keys.
type history struct {
	mu   sync.Mutex
	keys []*KeyPair
}

// NewKeyring creates a keyring. store may be nil for an in-memory keyring.
func NewKeyring(store *FileStore, logger *zap.Logger) *Keyring {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keyring{
		histories: make(map[types.DID]*history),
		store:     store,
		logger:    logger,
	}
}

// Load reads every persisted history from the store.
func (k *Keyring) Load() error {
	if k.store == nil {
		return nil
	}
	dids, err := k.store.List()
	if err != nil {
		return fmt.Errorf("failed to list key histories: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, did := range dids {
		keys, err := k.store.Load(did)
		if err != nil {
			return fmt.Errorf("failed to load keys for %s: %w", did, err)
		}
		k.histories[did] = &history{keys: keys}
	}
	k.logger.Info("Loaded key histories", zap.Int("accounts", len(dids)))
	return nil
}

func keyRef(did types.DID, index int) types.KeyRef {
	return types.KeyRef(fmt.Sprintf("%s#%d", did, index))
}

func parseKeyRef(ref types.KeyRef) (types.DID, int, error) {
	s := string(ref)
	i := strings.LastIndexByte(s, '#')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed key reference %q", ref)
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("malformed key reference %q", ref)
	}
	return types.DID(s[:i]), n, nil
}

// Create starts the key history of did with kp as its first active key.
func (k *Keyring) Create(did types.DID, kp *KeyPair) (types.KeyRef, error) {
	k.mu.Lock()
	if _, exists := k.histories[did]; exists {
		k.mu.Unlock()
		return "", taraerr.New(taraerr.CodeInvalidArgument, "keyring.Create", "key history for %s already exists", did)
	}
	kp.Ref = keyRef(did, 0)
	h := &history{keys: []*KeyPair{kp}}
	k.histories[did] = h
	k.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := k.persist(did, h.keys); err != nil {
		return "", err
	}
	k.logger.Debug("Created key history", zap.String("did", string(did)), zap.String("ref", string(kp.Ref)))
	return kp.Ref, nil
}

func (k *Keyring) lookup(did types.DID) (*history, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	h, ok := k.histories[did]
	return h, ok
}

// Sign signs payload with the referenced key. Revoked keys never sign.
func (k *Keyring) Sign(ref types.KeyRef, payload []byte) (Signature, error) {
	did, index, err := parseKeyRef(ref)
	if err != nil {
		return nil, taraerr.Wrap(taraerr.CodeKeyNotFound, "keyring.Sign", err, "unknown key")
	}
	h, ok := k.lookup(did)
	if !ok {
		return nil, taraerr.New(taraerr.CodeKeyNotFound, "keyring.Sign", "no keys for %s", did)
	}

	h.mu.Lock()
	if index >= len(h.keys) {
		h.mu.Unlock()
		return nil, taraerr.New(taraerr.CodeKeyNotFound, "keyring.Sign", "no key %s", ref)
	}
	kp := h.keys[index]
	revoked := kp.Revoked
	h.mu.Unlock()

	if revoked {
		return nil, taraerr.New(taraerr.CodeKeyRevoked, "keyring.Sign", "key %s is revoked", ref)
	}
	sig, err := kp.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign with %s: %w", ref, err)
	}
	return sig, nil
}

// Active returns the current signing key of did.
func (k *Keyring) Active(did types.DID) (KeyInfo, error) {
	h, ok := k.lookup(did)
	if !ok {
		return KeyInfo{}, taraerr.New(taraerr.CodeKeyNotFound, "keyring.Active", "no keys for %s", did)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keys[len(h.keys)-1].Info(), nil
}

// History returns every key ever bound to did, oldest first.
func (k *Keyring) History(did types.DID) []KeyInfo {
	h, ok := k.lookup(did)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]KeyInfo, len(h.keys))
	for i, kp := range h.keys {
		out[i] = kp.Info()
	}
	return out
}

// RotationPayload is the message the outgoing key signs to authorize newKey.
func RotationPayload(did types.DID, newKey PublicKey) []byte {
	return codec.NewEncoder("taracol/rotation/v1").
		String(string(did)).
		String(string(newKey.Alg)).
		Bytes(newKey.Raw).
		Finish()
}

// Rotate appends newKP as the active key of did. authorization must be the
// current active key's signature over RotationPayload(did, newKP.Public).
// The prior key stays in history, revoked for signing.
func (k *Keyring) Rotate(did types.DID, newKP *KeyPair, authorization Signature) (types.KeyRef, error) {
	h, ok := k.lookup(did)
	if !ok {
		return "", taraerr.New(taraerr.CodeKeyNotFound, "keyring.Rotate", "no keys for %s", did)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	active := h.keys[len(h.keys)-1]
	if !Verify(active.Public, RotationPayload(did, newKP.Public), authorization) {
		k.logger.Warn("Rejected key rotation",
			zap.String("did", string(did)),
			zap.String("active", string(active.Ref)))
		return "", taraerr.New(taraerr.CodeUnauthorizedRotation, "keyring.Rotate",
			"rotation for %s not signed by active key %s", did, active.Ref)
	}

	retired := *active
	retired.Revoked = true
	retired.RevokedAt = time.Now().UTC()
	newKP.Ref = keyRef(did, len(h.keys))
	keys := make([]*KeyPair, len(h.keys), len(h.keys)+1)
	copy(keys, h.keys)
	keys[len(keys)-1] = &retired
	keys = append(keys, newKP)

	if err := k.persist(did, keys); err != nil {
		return "", err
	}
	h.keys = keys
	k.logger.Info("Rotated key",
		zap.String("did", string(did)),
		zap.String("revoked", string(active.Ref)),
		zap.String("active", string(newKP.Ref)))
	return newKP.Ref, nil
}

// Discard undoes a rotation to ref that the identity layer never accepted:
// ref is dropped and the key before it becomes active again. Only the
// active key can be discarded, and never the first one.
func (k *Keyring) Discard(did types.DID, ref types.KeyRef) error {
	h, ok := k.lookup(did)
	if !ok {
		return taraerr.New(taraerr.CodeKeyNotFound, "keyring.Discard", "no keys for %s", did)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.keys)
	if n < 2 || h.keys[n-1].Ref != ref {
		return taraerr.New(taraerr.CodeInvalidArgument, "keyring.Discard",
			"%s is not a discardable key of %s", ref, did)
	}
	restored := *h.keys[n-2]
	restored.Revoked = false
	restored.RevokedAt = time.Time{}
	keys := make([]*KeyPair, n-1)
	copy(keys, h.keys[:n-1])
	keys[n-2] = &restored

	if err := k.persist(did, keys); err != nil {
		return err
	}
	h.keys = keys
	k.logger.Warn("Discarded key",
		zap.String("did", string(did)),
		zap.String("discarded", string(ref)),
		zap.String("active", string(restored.Ref)))
	return nil
}

// VerifyActive checks sig against the current active key only.
func (k *Keyring) VerifyActive(did types.DID, payload []byte, sig Signature) bool {
	active, err := k.Active(did)
	if err != nil {
		return false
	}
	return Verify(active.Public, payload, sig)
}

// VerifyHistorical accepts a signature by any key ever bound to did. It
// knows nothing of when each key was live.
func (k *Keyring) VerifyHistorical(did types.DID, payload []byte, sig Signature) bool {
	for _, info := range k.History(did) {
		if Verify(info.Public, payload, sig) {
			return true
		}
	}
	return false
}

// Accounts lists every DID with a key history.
func (k *Keyring) Accounts() []types.DID {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]types.DID, 0, len(k.histories))
	for did := range k.histories {
		out = append(out, did)
	}
	return out
}

// persist writes keys as the history of did. Callers hold the history's
// mutex and install keys only after persist succeeds.
func (k *Keyring) persist(did types.DID, keys []*KeyPair) error {
	if k.store == nil {
		return nil
	}
	if err := k.store.Save(did, keys); err != nil {
		return fmt.Errorf("failed to persist keys for %s: %w", did, err)
	}
	return nil
}
