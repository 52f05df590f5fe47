package command_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simple64/netplay-input-client/internal/command"
)

func TestParseChat(t *testing.T) {
	p := command.Parse("hi everyone")
	require.NotNil(t, p.Chat)
	require.Equal(t, "hi everyone", p.Chat.Text)
}

func TestParseKnownCommand(t *testing.T) {
	p := command.Parse("/lag 3")
	require.NotNil(t, p.Command)
	require.Equal(t, command.NameLag, p.Command.Name)
	require.Equal(t, []string{"3"}, p.Command.Args)
}

func TestParseUnknownCommand(t *testing.T) {
	p := command.Parse("/frobnicate")
	require.Equal(t, "/frobnicate", p.Unknown)
}

func TestParsePortDefault(t *testing.T) {
	port, err := command.ParsePort(nil, command.DefaultPort)
	require.NoError(t, err)
	require.Equal(t, command.DefaultPort, port)
}

func TestParsePortExplicit(t *testing.T) {
	port, err := command.ParsePort([]string{"7000"}, command.DefaultPort)
	require.NoError(t, err)
	require.Equal(t, 7000, port)
}

func TestParseLagMissing(t *testing.T) {
	_, err := command.ParseLag(nil)
	require.Error(t, err)
}

func TestParseLagValid(t *testing.T) {
	lag, err := command.ParseLag([]string{"9"})
	require.NoError(t, err)
	require.Equal(t, uint8(9), lag)
}
