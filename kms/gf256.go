package kms

// Arithmetic in GF(2^8) with the AES reduction polynomial x^8 + x^4 + x^3 + x + 1.
// Addition and subtraction are both XOR. Multiplication avoids data-dependent
// branches and table lookups so share bytes do not influence timing.

func gfAdd(a, b uint8) uint8 {
	return a ^ b
}

func gfMul(a, b uint8) uint8 {
	var r uint8
	for i := 7; i >= 0; i-- {
		bit := (b >> uint(i)) & 1
		r = (-bit & a) ^ (-(r >> 7) & 0x1B) ^ (r + r)
	}
	return r
}

// gfInv returns a^254, the multiplicative inverse of a. gfInv(0) is 0.
func gfInv(a uint8) uint8 {
	b := gfMul(a, a)   // a^2
	c := gfMul(a, b)   // a^3
	b = gfMul(c, c)    // a^6
	b = gfMul(b, b)    // a^12
	c = gfMul(b, c)    // a^15
	b = gfMul(b, b)    // a^24
	b = gfMul(b, b)    // a^48
	b = gfMul(b, c)    // a^63
	b = gfMul(b, b)    // a^126
	b = gfMul(a, b)    // a^127
	return gfMul(b, b) // a^254
}

// gfDiv computes a / b. Callers guarantee b != 0.
func gfDiv(a, b uint8) uint8 {
	return gfMul(a, gfInv(b))
}

// polynomial holds coefficients in ascending order; coefficients[0] is the intercept.
type polynomial struct {
	coefficients []uint8
}

// evaluate computes the polynomial at x with Horner's method.
func (p polynomial) evaluate(x uint8) uint8 {
	if x == 0 {
		return p.coefficients[0]
	}
	degree := len(p.coefficients) - 1
	out := p.coefficients[degree]
	for i := degree - 1; i >= 0; i-- {
		out = gfAdd(gfMul(out, x), p.coefficients[i])
	}
	return out
}

// interpolate evaluates at x the unique polynomial through the sample points.
// xs must be distinct.
func interpolate(xs, ys []uint8, x uint8) uint8 {
	var result uint8
	for i := range xs {
		basis := uint8(1)
		for j := range xs {
			if i == j {
				continue
			}
			num := gfAdd(x, xs[j])
			denom := gfAdd(xs[i], xs[j])
			basis = gfMul(basis, gfDiv(num, denom))
		}
		result = gfAdd(result, gfMul(ys[i], basis))
	}
	return result
}
