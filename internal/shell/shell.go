// Package shell parses the interactive commands of the server and client
// processes.
package shell

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownCommand     = errors.New("unknown command")
	ErrMissingArgument    = errors.New("missing argument")
	ErrUnexpectedArgument = errors.New("unexpected argument")
)

type Kind string

const (
	KindAdd     Kind = "add"
	KindDelete  Kind = "del"
	KindList    Kind = "list"
	KindJoin    Kind = "join"
	KindLeave   Kind = "leave"
	KindSend    Kind = "send"
	KindRooms   Kind = "rooms"
	KindRefresh Kind = "refresh"
	KindHelp    Kind = "help"
	KindExit    Kind = "exit"
)

// Command is a parsed shell line. Arg is the room name or message text.
type Command struct {
	Kind Kind
	Arg  string
}

type commandDef struct {
	kind   Kind
	hasArg bool
	usage  string
}

var serverCommands = map[string]commandDef{
	"add":    {KindAdd, true, "add <room>"},
	"del":    {KindDelete, true, "del <room>"},
	"delete": {KindDelete, true, "del <room>"},
	"list":   {KindList, false, "list"},
	"help":   {KindHelp, false, "help"},
	"exit":   {KindExit, false, "exit"},
	"quit":   {KindExit, false, "exit"},
}

var clientCommands = map[string]commandDef{
	"join":    {KindJoin, true, "join <room>"},
	"leave":   {KindLeave, false, "leave"},
	"send":    {KindSend, true, "send <message>"},
	"rooms":   {KindRooms, false, "rooms"},
	"refresh": {KindRefresh, false, "refresh"},
	"help":    {KindHelp, false, "help"},
	"exit":    {KindExit, false, "exit"},
	"quit":    {KindExit, false, "exit"},
}

func ParseServer(line string) (Command, error) {
	return parse(serverCommands, line)
}

func ParseClient(line string) (Command, error) {
	return parse(clientCommands, line)
}

func parse(commands map[string]commandDef, line string) (Command, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)

	s, ok := commands[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	switch {
	case s.hasArg && arg == "":
		return Command{}, fmt.Errorf("%w: usage: %s", ErrMissingArgument, s.usage)
	case !s.hasArg && arg != "":
		return Command{}, fmt.Errorf("%w: usage: %s", ErrUnexpectedArgument, s.usage)
	}

	return Command{Kind: s.kind, Arg: arg}, nil
}

// ServerUsage lists the server commands, one per line.
func ServerUsage() string {
	return "add <room>\ndel <room>\nlist\nexit"
}

// ClientUsage lists the client commands, one per line.
func ClientUsage() string {
	return "join <room>\nleave\nsend <message>\nrooms\nrefresh\nexit"
}
