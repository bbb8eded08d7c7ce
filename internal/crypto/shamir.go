package crypto

import (
	"crypto/rand"
	"io"
)

// Shamir secret sharing over GF(2^8). A secret of any length is split
// byte-wise into n shares of which any threshold t reconstruct it.
// Each share is prefixed with its evaluation point x (1..255).

// ShamirSplit splits secret into n shares with reconstruction
// threshold t. 2 <= t <= n <= 255.
func ShamirSplit(secret []byte, n, t int) ([][]byte, error) {
	if len(secret) == 0 {
		return nil, errf("shamir", "empty secret")
	}
	if t < 2 || n < t || n > 255 {
		return nil, errf("shamir", "invalid parameters n=%d t=%d", n, t)
	}

	shares := make([][]byte, n)
	for i := range shares {
		shares[i] = make([]byte, len(secret)+1)
		shares[i][0] = byte(i + 1) // x coordinate, never 0
	}

	coeffs := make([]byte, t)
	for idx, b := range secret {
		// Random polynomial with constant term = secret byte.
		coeffs[0] = b
		if _, err := io.ReadFull(rand.Reader, coeffs[1:]); err != nil {
			return nil, errf("shamir", "entropy source failed: %v", err)
		}
		for i := range shares {
			shares[i][idx+1] = gfEval(coeffs, shares[i][0])
		}
	}
	return shares, nil
}

// ShamirCombine reconstructs the secret from at least threshold
// shares. Shares with duplicate x coordinates or mismatched lengths
// are rejected.
func ShamirCombine(shares [][]byte) ([]byte, error) {
	if len(shares) < 2 {
		return nil, errf("shamir", "need at least 2 shares, got %d", len(shares))
	}
	length := len(shares[0])
	if length < 2 {
		return nil, errf("shamir", "share too short")
	}
	seen := make(map[byte]bool, len(shares))
	for _, s := range shares {
		if len(s) != length {
			return nil, errf("shamir", "share length mismatch")
		}
		if s[0] == 0 {
			return nil, errf("shamir", "invalid share x=0")
		}
		if seen[s[0]] {
			return nil, errf("shamir", "duplicate share x=%d", s[0])
		}
		seen[s[0]] = true
	}

	secret := make([]byte, length-1)
	xs := make([]byte, len(shares))
	ys := make([]byte, len(shares))
	for i, s := range shares {
		xs[i] = s[0]
	}
	for idx := range secret {
		for i, s := range shares {
			ys[i] = s[idx+1]
		}
		secret[idx] = gfInterpolateAtZero(xs, ys)
	}
	return secret, nil
}

// gfEval evaluates the polynomial with the given coefficients
// (constant term first) at x, using Horner's rule.
func gfEval(coeffs []byte, x byte) byte {
	var out byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		out = gfMul(out, x) ^ coeffs[i]
	}
	return out
}

// gfInterpolateAtZero computes the Lagrange interpolation of the
// points (xs, ys) evaluated at x=0.
func gfInterpolateAtZero(xs, ys []byte) byte {
	var out byte
	for i := range xs {
		num, den := byte(1), byte(1)
		for j := range xs {
			if i == j {
				continue
			}
			num = gfMul(num, xs[j])
			den = gfMul(den, xs[i]^xs[j])
		}
		out ^= gfMul(ys[i], gfDiv(num, den))
	}
	return out
}

// gfMul multiplies in GF(2^8) with the AES polynomial 0x11b.
func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

func gfDiv(a, b byte) byte {
	if b == 0 {
		return 0
	}
	// b^254 == b^-1 in GF(2^8)
	inv := byte(1)
	base := b
	for e := 0; e < 7; e++ {
		base = gfMul(base, base)
		inv = gfMul(inv, base)
	}
	return gfMul(a, inv)
}
