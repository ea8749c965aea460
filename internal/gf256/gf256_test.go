package gf256

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpLogRoundTrip(t *testing.T) {
	for i := 1; i < 256; i++ {
		g := Exp(Log(byte(i)))
		assert.Equal(t, byte(i), g)
	}
}

func TestMulByOneIsIdentity(t *testing.T) {
	for i := 0; i < 256; i++ {
		assert.Equal(t, byte(i), Mul(byte(i), 1))
	}
}

func TestMulByZeroIsZero(t *testing.T) {
	assert.Equal(t, byte(0), Mul(200, 0))
	assert.Equal(t, byte(0), Mul(0, 200))
}

func TestInvRoundTrip(t *testing.T) {
	for i := 1; i < 256; i++ {
		inv := Inv(byte(i))
		assert.Equal(t, byte(1), Mul(byte(i), inv))
	}
}

func TestInvZeroPanics(t *testing.T) {
	assert.Panics(t, func() { Inv(0) })
}

func TestDivByZeroPanics(t *testing.T) {
	assert.Panics(t, func() { Div(1, 0) })
}

func TestDivThenMulRecoversNumerator(t *testing.T) {
	a, b := byte(37), byte(211)
	q := Div(a, b)
	assert.Equal(t, a, Mul(q, b))
}

func TestXORBlocksInPlace(t *testing.T) {
	dst := []byte{0xFF, 0x0F, 0x01}
	src := []byte{0x0F, 0xFF, 0x01}
	XORBlocks(dst, src)
	assert.Equal(t, []byte{0xF0, 0xF0, 0x00}, dst)
}

func TestMulBlockMatchesScalarMul(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 4)
	MulBlock(dst, src, 7)
	for i, s := range src {
		assert.Equal(t, Mul(s, 7), dst[i])
	}
}

func TestXORMulBlockAccumulates(t *testing.T) {
	dst := []byte{10, 20}
	src := []byte{1, 2}
	before := append([]byte(nil), dst...)
	XORMulBlock(dst, src, 5)
	for i := range dst {
		assert.Equal(t, before[i]^Mul(src[i], 5), dst[i])
	}
}

func TestColGeneratorWrapsAtOrderOf255(t *testing.T) {
	assert.Equal(t, ColGenerator(0), ColGenerator(255))
}
