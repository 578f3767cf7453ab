package tenant

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/saiset-co/sai-cache-engine/types"
)

const (
	Separator     = ":"
	derivedKeyLen = 32
)

// Namespace builds tenant-scoped keys and encrypts payloads with an
// AES-256-GCM key derived per tenant via HKDF-SHA256 from the engine secret.
type Namespace struct {
	secret  []byte
	encrypt bool
	aeads   map[string]cipher.AEAD
	mu      sync.RWMutex
}

func NewNamespace(config *types.TenantConfig) (*Namespace, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	if len(config.Secret) < 16 {
		return nil, types.ErrSecretTooShort
	}

	return &Namespace{
		secret:  []byte(config.Secret),
		encrypt: config.Encryption,
		aeads:   make(map[string]cipher.AEAD),
	}, nil
}

// BuildKey produces "tenant:namespace:entityPath" with every segment escaped,
// so a crafted entity path can never collide into another tenant's keyspace.
func (n *Namespace) BuildKey(tenantID, namespace, entityPath string) (string, error) {
	if tenantID == "" {
		return "", types.ErrTenantIDEmpty
	}
	if namespace == "" {
		return "", types.ErrNamespaceEmpty
	}

	var b strings.Builder
	b.Grow(len(tenantID) + len(namespace) + len(entityPath) + 2)
	b.WriteString(EscapeSegment(tenantID))
	b.WriteString(Separator)
	b.WriteString(EscapeSegment(namespace))
	if entityPath != "" {
		b.WriteString(Separator)
		b.WriteString(EscapeSegment(entityPath))
	}

	return b.String(), nil
}

// TagKey scopes a free-form tag to a tenant ("tenant:tag:<label>").
func (n *Namespace) TagKey(tenantID, tag string) string {
	return EscapeSegment(tenantID) + Separator + "tag" + Separator + EscapeSegment(tag)
}

// EscapeSegment encodes separator and escape characters so segments cannot
// inject additional key levels.
func EscapeSegment(segment string) string {
	if !strings.ContainsAny(segment, ":%") {
		return segment
	}

	replacer := strings.NewReplacer("%", "%25", ":", "%3A")
	return replacer.Replace(segment)
}

func (n *Namespace) Encrypt(tenantID string, plaintext []byte) ([]byte, error) {
	if !n.encrypt {
		return plaintext, nil
	}

	aead, err := n.aeadFor(tenantID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, types.WrapError(err, "failed to generate nonce")
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(tenantID)), nil
}

// Decrypt returns ErrCiphertextInvalid for corrupt input or a ciphertext
// sealed for a different tenant. Callers treat that as a cache miss.
func (n *Namespace) Decrypt(tenantID string, ciphertext []byte) ([]byte, error) {
	if !n.encrypt {
		return ciphertext, nil
	}

	aead, err := n.aeadFor(tenantID)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, types.ErrCiphertextInvalid
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(tenantID))
	if err != nil {
		return nil, types.ErrCiphertextInvalid
	}

	return plaintext, nil
}

func (n *Namespace) aeadFor(tenantID string) (cipher.AEAD, error) {
	if tenantID == "" {
		return nil, types.ErrTenantIDEmpty
	}

	n.mu.RLock()
	if aead, exists := n.aeads[tenantID]; exists {
		n.mu.RUnlock()
		return aead, nil
	}
	n.mu.RUnlock()

	key := make([]byte, derivedKeyLen)
	kdf := hkdf.New(sha256.New, n.secret, []byte(tenantID), []byte("sai-cache-engine"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, types.WrapError(err, "failed to derive tenant key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, types.WrapError(err, "failed to build tenant cipher")
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, types.WrapError(err, "failed to build tenant aead")
	}

	n.mu.Lock()
	n.aeads[tenantID] = aead
	n.mu.Unlock()

	return aead, nil
}
