package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

var pegdEndpoint = defaultEndpoint()

func defaultEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("PEGD_URL")); v != "" {
		return v
	}
	return "http://localhost:7180"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--endpoint":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--endpoint requires a value")
			}
			i++
			pegdEndpoint = strings.TrimSpace(args[i])
		case strings.HasPrefix(arg, "--endpoint="):
			pegdEndpoint = strings.TrimSpace(strings.TrimPrefix(arg, "--endpoint="))
		default:
			out = append(out, arg)
		}
	}
	if pegdEndpoint == "" {
		return nil, fmt.Errorf("pegd endpoint must not be empty")
	}
	return out, nil
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "gen-key":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a keystore path.")
			printUsage()
			os.Exit(1)
		}
		if err := generateKey(args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "addr":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a keystore path.")
			printUsage()
			os.Exit(1)
		}
		if err := showAddress(args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "status":
		if err := fetchJSON("/status"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "params":
		if err := fetchJSON("/params"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "pause":
		if len(args) < 2 {
			fmt.Println("Error: Please provide true or false.")
			printUsage()
			os.Exit(1)
		}
		paused, err := strconv.ParseBool(args[1])
		if err != nil {
			fmt.Println("Error: Invalid pause flag, expected true or false.")
			os.Exit(1)
		}
		if err := runPause(paused); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "set-params":
		if err := runSetParams(args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "withdraw":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a destination address and an amount.")
			printUsage()
			os.Exit(1)
		}
		if err := runWithdraw(args[1], args[2]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: joule-cli [--endpoint <url>] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  gen-key <path>                Generate a new key and save it as an encrypted keystore")
	fmt.Println("  addr <path>                   Print the address stored in a keystore file")
	fmt.Println("  status                        Show controller and pool status")
	fmt.Println("  params                        Show the active peg parameters")
	fmt.Println("  pause <true|false>            Toggle the emergency pause (signed)")
	fmt.Println("  set-params [flags]            Update peg parameters (signed)")
	fmt.Println("  withdraw <to> <amount>        Withdraw reserve quote to an address (signed)")
	fmt.Println("")
	fmt.Println("Signed commands read JOULE_API_KEY and JOULE_API_SECRET from the environment.")
	fmt.Println("The pegd endpoint defaults to http://localhost:7180 and honours PEGD_URL.")
}
