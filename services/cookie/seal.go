package cookie

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"gorm.io/datatypes"
)

var ErrUnseal = errors.New("cookie payload cannot be decrypted")

// sealed is the at-rest form of an encrypted payload. It stays valid JSON so
// the column type does not change.
type sealed struct {
	Box string `json:"box"`
}

// Sealer encrypts cookie payloads with a key derived from a passphrase.
type Sealer struct {
	key [32]byte
}

func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("empty cookie encryption key")
	}
	var s Sealer
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("taskpilot cookie store"))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Sealer) Seal(plain datatypes.JSON) (datatypes.JSON, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	box := secretbox.Seal(nonce[:], plain, &nonce, &s.key)
	return json.Marshal(sealed{Box: base64.StdEncoding.EncodeToString(box)})
}

// Open decrypts data. Rows written before encryption was enabled are
// returned unchanged.
func (s *Sealer) Open(data datatypes.JSON) (datatypes.JSON, error) {
	var env sealed
	if err := json.Unmarshal(data, &env); err != nil || env.Box == "" {
		return data, nil
	}
	raw, err := base64.StdEncoding.DecodeString(env.Box)
	if err != nil || len(raw) < 24 {
		return nil, fmt.Errorf("%w: malformed box", ErrUnseal)
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return nil, ErrUnseal
	}
	return plain, nil
}
