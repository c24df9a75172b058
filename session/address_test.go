package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddressDefaultsPort(t *testing.T) {
	a, err := ParseAddress("tcp:10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, SchemeTCP, a.Scheme)
	require.Equal(t, "10.0.0.5", a.Host)
	require.Equal(t, DefaultPort, a.Port)
}

func TestParseAddressExplicitPort(t *testing.T) {
	a, err := ParseAddress("ssl:[::1]:7000")
	require.NoError(t, err)
	require.Equal(t, SchemeSSL, a.Scheme)
	require.Equal(t, "::1", a.Host)
	require.Equal(t, "7000", a.Port)
}

func TestParseAddressRejectsUnknownScheme(t *testing.T) {
	_, err := ParseAddress("udp:10.0.0.5:7000")
	require.Error(t, err)
}

func TestPassiveFormPrefixesSchemeAndReordersHostPort(t *testing.T) {
	a, err := ParseAddress("tcp:10.0.0.5:7000")
	require.NoError(t, err)
	require.Equal(t, "ptcp:7000:10.0.0.5", a.Passive())
}
