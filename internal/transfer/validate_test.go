package transfer

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidFilenameRejectsTraversal(t *testing.T) {
	require.False(t, IsValidFilename("/downloads", "../../etc/passwd"))
	require.False(t, IsValidFilename("/downloads", "sub/dir/movie.mkv"))
	require.False(t, IsValidFilename("/downloads", `back\slash.mkv`))
	require.False(t, IsValidFilename("/downloads", ""))
}

func TestIsValidFilenameAcceptsPlainName(t *testing.T) {
	require.True(t, IsValidFilename("/downloads", "movie.mkv"))
	require.True(t, IsValidFilename("/downloads", "movie part 1.mkv"))
}

func TestIsPrivateOrLoopback(t *testing.T) {
	require.True(t, IsPrivateOrLoopback(net.ParseIP("192.168.1.5")))
	require.True(t, IsPrivateOrLoopback(net.ParseIP("127.0.0.1")))
	require.False(t, IsPrivateOrLoopback(net.ParseIP("8.8.8.8")))
}
