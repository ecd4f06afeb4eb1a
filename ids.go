package rocket

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// IDGenerator produces job ids
type IDGenerator interface {
	NewID() (string, error)
}

// UUIDGenerator produces random (version 4) UUIDs
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

const cuidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// CUIDLength is the length of ids made by CUIDGenerator
const CUIDLength = 12

// CUIDGenerator produces short random base62 ids
type CUIDGenerator struct{}

func (CUIDGenerator) NewID() (string, error) {
	max := big.NewInt(int64(len(cuidAlphabet)))
	buf := make([]byte, CUIDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate cuid: %w", err)
		}
		buf[i] = cuidAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// NewIDGenerator returns the generator registered under name
func NewIDGenerator(name string) (IDGenerator, error) {
	switch name {
	case "", "uuid":
		return UUIDGenerator{}, nil
	case "cuid":
		return CUIDGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown id generator %q", name)
	}
}
