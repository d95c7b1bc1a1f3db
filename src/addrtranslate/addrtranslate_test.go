package addrtranslate

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestTranslateDirectIPMatch(t *testing.T) {
	tr := New(map[string]string{
		"10.0.4.12:9100": "203.0.113.9:19100",
	}, zerolog.Nop())

	ip, port := tr.Translate(net.ParseIP("10.0.4.12"), 9100)
	require.Equal(t, "203.0.113.9", ip.String())
	require.Equal(t, uint16(19100), port)
}

func TestTranslateCIDRFallback(t *testing.T) {
	tr := New(map[string]string{
		"10.0.4.0/24": "203.0.113.9:0",
	}, zerolog.Nop())

	ip, port := tr.Translate(net.ParseIP("10.0.4.55"), 9200)
	require.Equal(t, "203.0.113.9", ip.String())
	require.Equal(t, uint16(9200), port, "zero external port leaves the original port untranslated")
}

func TestTranslateNoMatchReturnsOriginal(t *testing.T) {
	tr := New(map[string]string{}, zerolog.Nop())

	ip, port := tr.Translate(net.ParseIP("192.168.1.1"), 5555)
	require.Equal(t, "192.168.1.1", ip.String())
	require.Equal(t, uint16(5555), port)
}
