package resolver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeQueryRoundTrip covers spec.md testable property 7:
// name<->label encoding is a total involution for ASCII labels.
func TestEncodeDecodeQueryRoundTrip(t *testing.T) {
	msg, err := EncodeQuery(1234, "www.example.com", TypeA)
	require.NoError(t, err)

	decoded, err := Decode(msg)
	require.NoError(t, err)
	require.Equal(t, uint16(1234), decoded.ID)
	require.True(t, decoded.RD)
	require.Len(t, decoded.Questions, 1)
	require.Equal(t, "www.example.com", decoded.Questions[0].Name)
	require.Equal(t, TypeA, decoded.Questions[0].Type)
	require.Equal(t, ClassIN, decoded.Questions[0].Class)
}

func TestEncodeNameRejectsOverlongLabel(t *testing.T) {
	label := make([]byte, maxLabelLen+1)
	for i := range label {
		label[i] = 'a'
	}
	_, err := encodeName(string(label) + ".example.com")
	require.Error(t, err)
}

// TestDecodeRejectsExcessiveCompressionJumps guards against a
// malicious/malformed pointer loop, per spec.md §4.10's "hard cap on
// decompression iterations to prevent loops".
func TestDecodeRejectsExcessiveCompressionJumps(t *testing.T) {
	buf := make([]byte, headerSize+2)
	buf[5] = 1 // QDCOUNT = 1
	// a pointer at the question position that points back at itself.
	buf[headerSize] = 0xc0
	buf[headerSize+1] = byte(headerSize)

	_, err := Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedMessage(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}
