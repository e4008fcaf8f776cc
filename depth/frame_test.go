package depth

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameAtSetBounds(t *testing.T) {
	f := NewFrame(8, 4)
	require.Equal(t, image.Rect(0, 0, 8, 4), f.Bounds())

	f.Set(3, 2, 1250)
	require.Equal(t, uint16(1250), f.At(3, 2))

	// Out-of-bounds access is safe.
	require.Equal(t, uint16(0), f.At(-1, 0))
	require.Equal(t, uint16(0), f.At(8, 0))
	require.Equal(t, uint16(0), f.At(0, 4))
	f.Set(100, 100, 999) // must not panic
}

func TestFrameClone(t *testing.T) {
	f := NewFrame(4, 4)
	f.Set(1, 1, 700)

	c := f.Clone()
	require.Equal(t, uint16(700), c.At(1, 1))

	c.Set(1, 1, 900)
	require.Equal(t, uint16(700), f.At(1, 1))
}
