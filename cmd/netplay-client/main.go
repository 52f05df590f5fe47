package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/simple64/netplay-input-client/netplay"
)

func newZap(logPath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if logPath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}
	return cfg.Build() //nolint:wrapcheck
}

// consoleDialog is a stdout-backed netplay.Dialog for driving the
// client from a terminal, standing in for the emulator plugin's real
// status window.
type consoleDialog struct{}

func (consoleDialog) Status(msg string) { fmt.Println("[status]", msg) }
func (consoleDialog) Error(msg string)  { fmt.Println("[error]", msg) }
func (consoleDialog) Chat(from, msg string) {
	fmt.Printf("[chat] %s: %s\n", from, msg)
}
func (consoleDialog) UpdateUserList(users map[uint32]netplay.User) {
	fmt.Printf("[roster] %d player(s) connected\n", len(users))
}

func main() {
	name := flag.String("name", "Player", "Local player name")
	host := flag.String("host", "", "If set, address to /join immediately on startup")
	port := flag.Int("port", 0, "Port to /join or /host on; 0 picks the command default")
	asHost := flag.Bool("as-host", false, "Host a game instead of joining one")
	lobbyURL := flag.String("lobby-url", "", "Lobby URL to announce a hosted game to")
	logPath := flag.String("log-path", "", "Write logs to this file")
	flag.Parse()

	zapLog, err := newZap(*logPath)
	if err != nil {
		log.Panic(err)
	}
	logger := zapr.NewLogger(zapLog)

	client := netplay.New(logger, consoleDialog{}, *lobbyURL)
	defer client.Shutdown()

	client.SetName(*name)

	switch {
	case *asHost:
		if *port != 0 {
			client.ProcessMessage(fmt.Sprintf("/host %d", *port))
		} else {
			client.ProcessMessage("/host")
		}
	case *host != "":
		if *port != 0 {
			client.ProcessMessage(fmt.Sprintf("/join %s %d", *host, *port))
		} else {
			client.ProcessMessage(fmt.Sprintf("/join %s", *host))
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		client.ProcessMessage(line)
	}

	client.PostClose()
}
