package waitlist

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampQRSize(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 320},
		{10, 160},
		{160, 160},
		{500, 500},
		{4096, 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampQRSize(tt.in), "size %d", tt.in)
	}
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://evently.example/api/v1/waitlist/qr/join?eventId=77", JoinURL("https://evently.example/", 77))
}

func TestJoinQRCodeIsPNG(t *testing.T) {
	raw, err := JoinQRCode(JoinURL("http://localhost:8080", 3), 200)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
}
