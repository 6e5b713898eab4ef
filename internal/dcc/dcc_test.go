package dcc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripAndWrapCTCP(t *testing.T) {
	tag, payload, ok := StripCTCP("\x01DCC SEND \"movie.mkv\" 3232235521 1337 104857600\x01")
	require.True(t, ok)
	require.Equal(t, "DCC", tag)
	require.Equal(t, `SEND "movie.mkv" 3232235521 1337 104857600`, payload)

	_, _, ok = StripCTCP("not ctcp")
	require.False(t, ok)

	require.Equal(t, "\x01VERSION\x01", WrapCTCP("VERSION", ""))
}

func TestParseOfferLegacyAddress(t *testing.T) {
	offer, err := ParseOffer(KindSend, `"movie part 1.mkv" 3232235521 1337 104857600`)
	require.NoError(t, err)
	require.Equal(t, "movie part 1.mkv", offer.Filename)
	require.Equal(t, net.IPv4(192, 168, 0, 1).String(), offer.Address.String())
	require.EqualValues(t, 1337, offer.Port)
	require.EqualValues(t, 104857600, offer.Size)
	require.False(t, offer.TLS)
}

func TestParseOfferSSendIsTLS(t *testing.T) {
	offer, err := ParseOffer(KindSSend, `movie.mkv 3232235521 1337 104857600`)
	require.NoError(t, err)
	require.True(t, offer.TLS)
}

func TestParseOfferPassiveZeroPort(t *testing.T) {
	offer, err := ParseOffer(KindSend, `movie.mkv 3232235521 0 104857600`)
	require.NoError(t, err)
	require.EqualValues(t, 0, offer.Port)
}

func TestParseOfferRejectsBadFields(t *testing.T) {
	_, err := ParseOffer(KindSend, `movie.mkv notanip 1337 100`)
	require.Error(t, err)

	_, err = ParseOffer(KindSend, `movie.mkv 3232235521 not-a-port 100`)
	require.Error(t, err)

	_, err = ParseOffer(KindSend, `movie.mkv 3232235521 1337 -1`)
	require.Error(t, err)

	_, err = ParseOffer(KindSend, `too few args`)
	require.Error(t, err)
}

func TestParseOfferAcceptsZeroSize(t *testing.T) {
	offer, err := ParseOffer(KindSend, `empty.bin 3232235521 1337 0`)
	require.NoError(t, err, "size=0 is a valid boundary, not an error")
	require.EqualValues(t, 0, offer.Size)
}

func TestParseOfferLiteralIPv6(t *testing.T) {
	offer, err := ParseOffer(KindSend, `movie.mkv ::1 1337 100`)
	require.NoError(t, err)
	require.Equal(t, "::1", offer.Address.String())
}

func TestParseAccept(t *testing.T) {
	accept, err := ParseAccept(`"movie part 1.mkv" 5000 1048576`)
	require.NoError(t, err)
	require.Equal(t, "movie part 1.mkv", accept.Filename)
	require.EqualValues(t, 5000, accept.Port)
	require.EqualValues(t, 1048576, accept.Position)

	_, err = ParseAccept(`movie.mkv 80 1048576`)
	require.Error(t, err, "ports below 1024 are rejected")

	_, err = ParseAccept(`movie.mkv 5000 0`)
	require.Error(t, err, "a zero resume position is invalid")
}

func TestFormatResumeStripsQuotes(t *testing.T) {
	require.Equal(t, `RESUME "movies mkv" 1337 4096`, FormatResume(`mo"vies" mkv`, 1337, 4096))
}

func TestFormatOfferEncodesLegacyIPv4(t *testing.T) {
	payload, err := FormatOffer(KindSend, "movie.mkv", net.IPv4(192, 168, 0, 1), 1337, 100)
	require.NoError(t, err)
	require.Equal(t, `SEND "movie.mkv" 3232235521 1337 100`, payload)
}

func TestFormatOfferLiteralIPv6(t *testing.T) {
	payload, err := FormatOffer(KindSend, "movie.mkv", net.ParseIP("::1"), 1337, 100)
	require.NoError(t, err)
	require.Equal(t, `SEND "movie.mkv" ::1 1337 100`, payload)
}
