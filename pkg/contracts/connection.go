package contracts

import "time"

// Connection is one linked ad-platform account. SealedToken is the AES-GCM
// ciphertext of the platform token; the plaintext only ever exists inside the
// meta package, and API responses carry the connection with SealedToken
// stripped. Revoking a connection destroys the sealed token.
type Connection struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	UserID      string     `json:"user_id"`
	SealedToken string     `json:"sealed_token,omitempty"`
	AccountID   string     `json:"account_id,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}
