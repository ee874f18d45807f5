package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mcast-chat/internal/config"
	"mcast-chat/internal/server"
	"mcast-chat/internal/shell"

	"github.com/spf13/pflag"
)

func main() {
	fs := config.Flags("server")
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

	srv := server.New(cfg, log.With("server"))
	if err := srv.Listen(ctx); err != nil {
		exit("Error: %v\n", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	lines := readLines()
	fmt.Println("Room server ready. Commands: add <room>, del <room>, list, exit")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-runDone:
			exit("Error: server stopped: %v\n", err)
		case line, ok := <-lines:
			if !ok || !handle(srv, line) {
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
func handle(srv *server.Server, line string) bool {
	cmd, err := shell.ParseServer(line)
	if err != nil {
		fmt.Println(err)
		return true
	}

	switch cmd.Kind {
	case shell.KindAdd:
		room, err := srv.AddRoom(cmd.Arg)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Printf("Room %q created with multicast address %s\n", room.Name, room.Addr)
	case shell.KindDelete:
		if _, err := srv.DeleteRoom(cmd.Arg); err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Printf("Room %q deleted\n", cmd.Arg)
	case shell.KindList:
		rooms := srv.Rooms()
		if len(rooms) == 0 {
			fmt.Println("No rooms")
		}
		for _, r := range rooms {
			fmt.Printf("  %s -> %s\n", r.Name, r.Addr)
		}
	case shell.KindHelp:
		fmt.Println(shell.ServerUsage())
	case shell.KindExit:
		return false
	}
	return true
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
