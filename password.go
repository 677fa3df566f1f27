package accounts

import (
	"crypto/rand"
	"crypto/subtle"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/crypto/scrypt"
)

// Salt is a fixed length random value stored next to each password hash
type Salt []byte

// HashedPassword is the scrypt output for a password and salt
type HashedPassword []byte

const (
	DefaultSaltLength = 64
	DefaultKeyLength  = 64
	minSaltLength     = 16
)

// PasswordCipher generates salts, hashes and compares passwords
type PasswordCipher struct {
	saltLength int
	keyLength  int
	n          int
	r          int
	p          int
	kdf        func(password, salt []byte, n, r, p, keyLen int) ([]byte, error)
}

// CipherOption customizes the scrypt parameters
type CipherOption func(*PasswordCipher)

// WithScryptCost overrides the scrypt CPU/memory cost parameters.
// n must be a power of two greater than one.
func WithScryptCost(n, r, p int) CipherOption {
	return func(c *PasswordCipher) {
		if n > 1 && r > 0 && p > 0 {
			c.n, c.r, c.p = n, r, p
		}
	}
}

// WithSaltLength overrides the salt length, values under 16 bytes are ignored
func WithSaltLength(length int) CipherOption {
	return func(c *PasswordCipher) {
		if length >= minSaltLength {
			c.saltLength = length
		}
	}
}

// NewPasswordCipher returns a cipher with scrypt N=32768, r=8, p=1
func NewPasswordCipher(opts ...CipherOption) *PasswordCipher {
	c := &PasswordCipher{
		saltLength: DefaultSaltLength,
		keyLength:  DefaultKeyLength,
		kdf:        scrypt.Key,
		n:          1 << 15,
		r:          8,
		p:          1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// GenerateSalt returns saltLength bytes from crypto/rand
func (c *PasswordCipher) GenerateSalt() (Salt, error) {
	salt := make([]byte, c.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate salt")
	}
	return salt, nil
}

// Hash derives the password hash for the given salt
func (c *PasswordCipher) Hash(password string, salt Salt) (HashedPassword, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}

	return c.derive(password, salt)
}

func (c *PasswordCipher) derive(password string, salt Salt) (HashedPassword, error) {
	key, err := c.kdf([]byte(password), salt, c.n, c.r, c.p, c.keyLength)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}
	return key, nil
}

// Compare recomputes the hash of candidate and compares it in constant time.
// The KDF runs for every candidate, an empty one included, and never matches.
// A mismatch is reported as false, only KDF failures return an error.
func (c *PasswordCipher) Compare(candidate string, salt Salt, stored HashedPassword) (bool, error) {
	computed, err := c.derive(candidate, salt)
	if err != nil {
		return false, err
	}

	match := subtle.ConstantTimeCompare(computed, stored) == 1
	return match && candidate != "", nil
}
