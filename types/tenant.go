package types

// KeyNamespace builds tenant-scoped cache keys and encrypts payloads with a
// key derived per tenant. BuildKey is pure and deterministic; cross-tenant
// collisions are structurally impossible because the tenant id is always the
// leftmost segment and every segment is escaped.
type KeyNamespace interface {
	BuildKey(tenantID, namespace, entityPath string) (string, error)
	TagKey(tenantID, tag string) string
	Encrypt(tenantID string, plaintext []byte) ([]byte, error)
	Decrypt(tenantID string, ciphertext []byte) ([]byte, error)
}
