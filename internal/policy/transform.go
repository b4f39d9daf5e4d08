package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Transform is a deterministic, side-effect-free column mask.
type Transform interface {
	Name() string
	Apply(v any) (any, error)
}

// Floor rounds numbers down to a multiple of Bucket.
type Floor struct {
	Bucket float64
}

// Name implements Transform.
func (Floor) Name() string { return "floor" }

// Apply implements Transform. Integers stay integers.
func (f Floor) Apply(v any) (any, error) {
	if f.Bucket <= 0 {
		return nil, fmt.Errorf("floor: bucket must be positive")
	}
	switch n := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return f.floorInt(n)
	case int:
		return f.floorInt(int64(n))
	case float64:
		return math.Floor(n/f.Bucket) * f.Bucket, nil
	case float32:
		return math.Floor(float64(n)/f.Bucket) * f.Bucket, nil
	default:
		return nil, fmt.Errorf("floor: cannot bucket %T", v)
	}
}

// floorInt buckets in integer arithmetic when Bucket is a whole number, so
// values beyond 2^53 keep their precision.
func (f Floor) floorInt(n int64) (any, error) {
	if f.Bucket != math.Trunc(f.Bucket) || f.Bucket >= 1<<63 {
		return int64(math.Floor(float64(n)/f.Bucket) * f.Bucket), nil
	}
	b := int64(f.Bucket)
	q := n / b
	if n%b != 0 && n < 0 {
		q--
	}
	if q < math.MinInt64/b {
		return nil, fmt.Errorf("floor: %d overflows bucket %d", n, b)
	}
	return q * b, nil
}

// Redact replaces every non-null value.
type Redact struct {
	Replacement string
}

// Name implements Transform.
func (Redact) Name() string { return "redact" }

// Apply implements Transform.
func (r Redact) Apply(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if r.Replacement == "" {
		return "***", nil
	}
	return r.Replacement, nil
}

// Nullify hides the value entirely.
type Nullify struct{}

// Name implements Transform.
func (Nullify) Name() string { return "nullify" }

// Apply implements Transform.
func (Nullify) Apply(any) (any, error) { return nil, nil }

// Hash replaces a value with a prefix of its SHA-256 digest, so equal
// values still join and group.
type Hash struct {
	Length int
}

// Name implements Transform.
func (Hash) Name() string { return "hash" }

// Apply implements Transform.
func (h Hash) Apply(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	sum := sha256.Sum256([]byte(fmt.Sprint(v)))
	digest := hex.EncodeToString(sum[:])
	n := h.Length
	if n <= 0 {
		n = 12
	}
	if n > len(digest) {
		n = len(digest)
	}
	return digest[:n], nil
}
