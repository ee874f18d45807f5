package main

import (
	"bufio"
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
	"mcast-chat/internal/shell"

	"github.com/spf13/pflag"
)

func main() {
	fs := config.Flags("client")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		exit("Error: %v\n", err)
	}

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

	c, err := client.New(cfg, log.With("client"), client.Options{
		OnEvent:   printEvent,
		OnMessage: printMessage,
	})
	if err != nil {
		exit("Error: failed to start client: %v\n", err)
	}

	if err := c.Listen(ctx); err != nil {
		exit("Error: %v\n", err)
	}
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	refresh(ctx, c)

	lines := readLines()
	fmt.Println("Commands: join <room>, leave, send <message>, rooms, refresh, exit")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-runDone:
			exit("Error: notification listener stopped: %v\n", err)
		case line, ok := <-lines:
			if !ok || !handle(ctx, c, line) {
				break loop
			}
		}
	}

	stop()
	if err := <-runDone; err != nil {
		exit("Error: %v\n", err)
	}
}

// handle runs one shell line and reports whether the shell should continue.
func handle(ctx context.Context, c *client.Client, line string) bool {
	cmd, err := shell.ParseClient(line)
	if err != nil {
		fmt.Println(err)
		return true
	}

	switch cmd.Kind {
	case shell.KindJoin:
		if err := c.Join(cmd.Arg); err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Printf("Joined room %q\n", cmd.Arg)
	case shell.KindLeave:
		room, joined := c.Current()
		if err := c.Leave(); err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		if joined {
			fmt.Printf("Left room %q\n", room)
		}
	case shell.KindSend:
		if err := c.Send(cmd.Arg); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case shell.KindRooms:
		printRooms(c)
	case shell.KindRefresh:
		refresh(ctx, c)
	case shell.KindHelp:
		fmt.Println(shell.ClientUsage())
	case shell.KindExit:
		return false
	}
	return true
}

func refresh(ctx context.Context, c *client.Client) {
	if _, err := c.Discover(ctx); err != nil {
		if errors.Is(err, client.ErrDiscoveryTimeout) {
			fmt.Println("No server answered; room list unchanged")
			return
		}
		fmt.Printf("error: %v\n", err)
		return
	}
	printRooms(c)
}

func printRooms(c *client.Client) {
	rooms := c.Rooms()
	if len(rooms) == 0 {
		fmt.Println("No rooms available")
		return
	}
	for _, name := range c.Directory().Names() {
		if addr, ok := rooms[name]; ok {
			fmt.Printf("  %s -> %s\n", name, addr)
		}
	}
}

func printEvent(e protocol.Event) {
	switch e.Action {
	case protocol.ActionAdd:
		fmt.Printf("* room %q created (%s)\n", e.RoomName, e.MulticastIP)
	case protocol.ActionDelete:
		fmt.Printf("* room %q deleted\n", e.RoomName)
	}
}

func printMessage(m multicast.Message) {
	fmt.Println(m)
}

func readLines() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func exit(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, msg, a...)
	os.Exit(1)
}
