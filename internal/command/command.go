// Package command parses and describes the client's chat-dialog
// command surface (the "/name", "/host", "/join", ... slash commands).
// Parsing lives here; dispatch stays in the netplay facade since it
// needs the full client to act on a parsed command.
package command

import (
	"strconv"
	"strings"
)

// Name enumerates the recognized slash commands.
type Name string

const (
	NameSetName Name = "/name"
	NameHost    Name = "/host"
	NameJoin    Name = "/join"
	NameStart   Name = "/start"
	NameLag     Name = "/lag"
	NameMyLag   Name = "/my_lag"
	NameYourLag Name = "/your_lag"
	NameAutolag Name = "/autolag"
	NameGolf    Name = "/golf"
)

// DefaultPort is the port /host and /join fall back to when none is
// given.
const DefaultPort = 6400

// Chat is a plain (non-slash) line to echo locally and send as a
// MESSAGE.
type Chat struct {
	Text string
}

// Parsed is the result of parsing one line from the chat dialog.
type Parsed struct {
	Chat    *Chat
	Command *Command
	Unknown string // set to the leading token when it starts with '/' but isn't recognized
}

// Command is a recognized slash command plus its parameters.
type Command struct {
	Name Name
	Args []string
}

// Parse tokenizes message on whitespace (matching the source's simple
// space-delimited split) and classifies it as chat, a known command, or
// an unknown command.
func Parse(message string) Parsed {
	if !strings.HasPrefix(message, "/") {
		return Parsed{Chat: &Chat{Text: message}}
	}

	params := strings.Fields(message)
	if len(params) == 0 {
		return Parsed{Unknown: message}
	}

	name := Name(params[0])
	switch name {
	case NameSetName, NameHost, NameJoin, NameStart, NameLag, NameMyLag, NameYourLag, NameAutolag, NameGolf:
		return Parsed{Command: &Command{Name: name, Args: params[1:]}}
	default:
		return Parsed{Unknown: params[0]}
	}
}

// ParsePort parses an optional port argument, returning def if args is
// empty.
func ParsePort(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	return strconv.Atoi(args[0])
}

// ParseLag parses a required lag argument.
func ParseLag(args []string) (uint8, error) {
	if len(args) == 0 {
		return 0, errMissingParameter
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 255 {
		return 0, errLagOutOfRange
	}
	return uint8(n), nil
}

var errMissingParameter = commandError("Missing parameter")
var errLagOutOfRange = commandError("lag must be between 0 and 255")

type commandError string

func (e commandError) Error() string { return string(e) }

// Help is the multi-line command listing surfaced to the status dialog
// on client construction.
func Help() string {
	return "List of available commands:\n" +
		"- /name <name>            Set your name\n" +
		"- /host [port]            Host a server\n" +
		"- /join <address> [port]  Join a server\n" +
		"- /start                  Start the game\n" +
		"- /lag <lag>              Set the netplay input lag\n" +
		"- /autolag                Toggle automatic lag on and off\n" +
		"- /golf                   Toggle golf mode on and off"
}
