package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mcast-chat/internal/client"
	"mcast-chat/internal/config"
	"mcast-chat/internal/multicast"
	"mcast-chat/internal/protocol"

	"github.com/spf13/pflag"
)

// roomtail prints every message sent to one room until interrupted or the
// room is deleted.
func main() {
	fs := config.Flags("roomtail")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: roomtail [flags] <room>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		exit("Error: %v\n", err)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	room := fs.Arg(0)

	cfg, err := config.Load(fs)
	if err != nil {
		exit("Error: invalid configuration: %v\n", err)
	}

	log, err := cfg.NewLogger()
	if err != nil {
		exit("Error: failed to create logger: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.New(cfg, log.With("roomtail"), client.Options{
		OnMessage: func(m multicast.Message) {
			fmt.Printf("Received from %s: %s\n", m.Source, m.Payload)
		},
		OnEvent: func(e protocol.Event) {
			if e.Action == protocol.ActionDelete && e.RoomName == room {
				fmt.Printf("Room %q was deleted\n", room)
				stop()
			}
		},
	})
	if err != nil {
		exit("Error: %v\n", err)
	}

	if err := c.Listen(ctx); err != nil {
		exit("Error: %v\n", err)
	}

	if _, err := c.Discover(ctx); err != nil {
		exit("Error: room discovery failed: %v\n", err)
	}
	if err := c.Join(room); err != nil {
		exit("Error: %v\n", err)
	}

	addr, _ := c.Directory().Lookup(room)
	fmt.Printf("Listening for messages in room %q on %s\n", room, addr.UDPAddr(cfg.MessagePort))

	if err := c.Run(ctx); err != nil {
		exit("Error: %v\n", err)
	}
}

func exit(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, msg, a...)
	os.Exit(1)
}
