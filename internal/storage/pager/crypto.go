package pager

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// ───────────────────────────────────────────────────────────────────────────
// Page-level encryption at rest
// ───────────────────────────────────────────────────────────────────────────
//
// When the superblock's Encryption feature flag is set, every page's body
// (everything past the common PageHeader) is encrypted with the ChaCha20
// stream cipher. The header itself — type, ID, LSN, checksum — stays in the
// clear: the free-list scan, GC's reachability walk, and crash recovery all
// need to read page headers without the key, and the page checksum already
// detects torn or corrupted writes independently of encryption. A stream
// cipher (rather than an AEAD) is used deliberately: pages are fixed-size,
// and an AEAD's authentication tag would have nowhere to live without
// shrinking the usable body on every page.
//
// Per-page nonces are derived from the page ID and LSN already present in
// the cleartext header, so nothing extra needs to be stored on disk. The
// nonce is safe to reuse the key under as long as (pageID, LSN) never
// repeats for a given key, which holds because LSN is monotonic.

// PageCipher encrypts and decrypts page bodies with a single database-wide key.
type PageCipher struct {
	key []byte
}

// KeySize is the ChaCha20 key size in bytes.
const KeySize = chacha20.KeySize

// NewPageCipher wraps a 32-byte key for use by SealPage/OpenPage.
func NewPageCipher(key []byte) (*PageCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("page cipher key must be %d bytes, got %d", KeySize, len(key))
	}
	return &PageCipher{key: key}, nil
}

// GenerateKey returns a fresh random 32-byte ChaCha20 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate page cipher key: %w", err)
	}
	return key, nil
}

// pageNonce derives a 12-byte nonce from the page ID and LSN in the header.
func pageNonce(h PageHeader) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	nonce[0] = byte(h.ID)
	nonce[1] = byte(h.ID >> 8)
	nonce[2] = byte(h.ID >> 16)
	nonce[3] = byte(h.ID >> 24)
	nonce[4] = byte(h.LSN)
	nonce[5] = byte(h.LSN >> 8)
	nonce[6] = byte(h.LSN >> 16)
	nonce[7] = byte(h.LSN >> 24)
	nonce[8] = byte(h.LSN >> 32)
	nonce[9] = byte(h.LSN >> 40)
	return nonce
}

// xorPageBody runs the page body through the ChaCha20 keystream for
// (pageID, LSN). ChaCha20 is an involution under XOR, so the same call
// both encrypts and decrypts.
func (pc *PageCipher) xorPageBody(page []byte) error {
	h := UnmarshalHeader(page)
	nonce := pageNonce(h)
	c, err := chacha20.NewUnauthenticatedCipher(pc.key, nonce)
	if err != nil {
		return fmt.Errorf("init page keystream for page %d: %w", h.ID, err)
	}
	body := page[PageHeaderSize:]
	c.XORKeyStream(body, body)
	return nil
}

// SealPage encrypts page[PageHeaderSize:] in place. page must already have
// its header fields (ID, LSN) set; the checksum should be computed after
// sealing since it covers the ciphertext.
func (pc *PageCipher) SealPage(page []byte) error {
	return pc.xorPageBody(page)
}

// OpenPage decrypts page[PageHeaderSize:] in place. Call after checksum
// verification, since the checksum covers the ciphertext.
func (pc *PageCipher) OpenPage(page []byte) error {
	return pc.xorPageBody(page)
}
