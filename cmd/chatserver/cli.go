package main

import (
	"context"
	"fmt"
	"os"

	"chatserver/internal/userstore"
)

// RunCLI handles offline administrative subcommands. Returns true if a
// subcommand was handled, so main can fall through to serve mode otherwise.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("chatserver %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := userstore.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	n, err := st.UserCount(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Registered users: %d\n", n)
	fmt.Printf("Active sessions: %d\n", st.SessionCount())
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	st, err := userstore.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "count" {
		n, err := st.UserCount(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d registered users\n", n)
		return true
	}

	if args[0] == "add" && len(args) > 2 {
		username, password := args[1], args[2]
		rec, err := st.Register(context.Background(), username, password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created user %q (id=%s)\n", rec.Username, rec.ID)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: chatserver users [count|add <username> <password>]\n")
	os.Exit(1)
	return true
}
