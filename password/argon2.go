package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned when a stored Argon2id string cannot be decoded.
var ErrMalformedHash = errors.New("malformed argon2id hash")

const argon2Prefix = "$argon2id$"

// Lower bounds for both configured and stored parameters. Memory is in KiB.
var floor = Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16}

// Config holds the Argon2id cost parameters. Memory is in KiB.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig is the production cost: 64 MiB, three passes, two lanes.
func DefaultConfig() Config {
	return Config{Memory: 64 * 1024, Time: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32}
}

func (c Config) validate() error {
	switch {
	case c.Memory < floor.Memory:
		return fmt.Errorf("password: memory must be at least %d KiB", floor.Memory)
	case c.Time < floor.Time:
		return errors.New("password: time cost must be at least 1")
	case c.Parallelism < floor.Parallelism:
		return errors.New("password: parallelism must be at least 1")
	case c.SaltLength < floor.SaltLength:
		return fmt.Errorf("password: salt length must be at least %d", floor.SaltLength)
	case c.KeyLength < floor.KeyLength:
		return fmt.Errorf("password: key length must be at least %d", floor.KeyLength)
	}
	return nil
}

// Argon2 hashes with Argon2id. It is immutable and safe for concurrent use.
type Argon2 struct {
	cfg Config
}

func NewArgon2(cfg Config) (*Argon2, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Argon2{cfg: cfg}, nil
}

// Hash returns a PHC string for password. Bytes are used as given.
func (a *Argon2) Hash(password string) (string, error) {
	if err := checkLength(password); err != nil {
		return "", err
	}

	h := phc{
		memory:      a.cfg.Memory,
		time:        a.cfg.Time,
		parallelism: a.cfg.Parallelism,
		salt:        make([]byte, a.cfg.SaltLength),
	}
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("password: read salt: %w", err)
	}
	h.key = h.derive(password, a.cfg.KeyLength)
	return h.String(), nil
}

// Verify derives a key with the parameters stored in encodedHash and compares in
// constant time. Passwords longer than the hashing limit never match.
func (a *Argon2) Verify(password, encodedHash string) (bool, error) {
	if len(password) > maxPassBytes {
		return false, nil
	}
	h, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}
	got := h.derive(password, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// NeedsUpgrade reports whether encodedHash is cheaper than the configured cost or has a
// different key length.
func (a *Argon2) NeedsUpgrade(encodedHash string) (bool, error) {
	h, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}
	weaker := h.memory < a.cfg.Memory || h.time < a.cfg.Time || h.parallelism < a.cfg.Parallelism
	return weaker || uint32(len(h.key)) != a.cfg.KeyLength, nil
}

// phc is a decoded $argon2id$v=19$m=..,t=..,p=..$salt$key string.
type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (h phc) derive(password string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.parallelism, keyLen)
}

func (h phc) String() string {
	enc := base64.StdEncoding
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix, argon2.Version, h.memory, h.time, h.parallelism,
		enc.EncodeToString(h.salt), enc.EncodeToString(h.key))
}

func decodePHC(s string) (phc, error) {
	var h phc
	if !strings.HasPrefix(s, argon2Prefix) {
		return h, ErrUnsupportedHash
	}
	fields := strings.Split(strings.TrimPrefix(s, argon2Prefix), "$")
	if len(fields) != 4 {
		return h, ErrMalformedHash
	}

	if fields[0] != "v="+strconv.Itoa(argon2.Version) {
		return h, fmt.Errorf("%w: version %q", ErrMalformedHash, fields[0])
	}
	if err := h.parseParams(fields[1]); err != nil {
		return h, err
	}

	var err error
	if h.salt, err = base64.StdEncoding.DecodeString(fields[2]); err != nil || len(h.salt) < int(floor.SaltLength) {
		return h, fmt.Errorf("%w: salt", ErrMalformedHash)
	}
	if h.key, err = base64.StdEncoding.DecodeString(fields[3]); err != nil || len(h.key) == 0 {
		return h, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	return h, nil
}

// parseParams accepts exactly m, t and p, each once, each at or above the floor.
func (h *phc) parseParams(field string) error {
	seen := map[string]bool{}
	for _, pair := range strings.Split(field, ",") {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || seen[name] {
			return fmt.Errorf("%w: parameter %q", ErrMalformedHash, pair)
		}
		seen[name] = true

		bits := 32
		if name == "p" {
			bits = 8
		}
		v, err := strconv.ParseUint(raw, 10, bits)
		if err != nil {
			return fmt.Errorf("%w: parameter %q", ErrMalformedHash, pair)
		}

		switch name {
		case "m":
			h.memory = uint32(v)
		case "t":
			h.time = uint32(v)
		case "p":
			h.parallelism = uint8(v)
		default:
			return fmt.Errorf("%w: parameter %q", ErrMalformedHash, pair)
		}
	}
	if len(seen) != 3 {
		return fmt.Errorf("%w: missing parameters", ErrMalformedHash)
	}
	if h.memory < floor.Memory || h.time < floor.Time || h.parallelism < floor.Parallelism {
		return fmt.Errorf("%w: parameters below minimum", ErrMalformedHash)
	}
	return nil
}
