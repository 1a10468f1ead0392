package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ruteri/custody-switch/cmd/flags"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "custodyctl",
		Usage: "Operate custody shares and administer the custody database",
		Flags: append([]cli.Flag{flags.ConfigFileFlag, flags.LogServiceFlagFn("custodyctl")}, flags.LogFlags...),
		Commands: []*cli.Command{
			sharesCommand,
			keysCommand,
			ownerCommand,
			successorCommand,
			provisionCommand,
			downtimeCommand,
			handoverCommand,
			ledgerCommand,
			statusCommand,
			sweepCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readSecretFile reads a secret from path with surrounding whitespace
// removed. "-" reads stdin.
func readSecretFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("secret file path is empty")
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = readAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// readHexFile reads a hex-encoded secret from path.
func readHexFile(path string) ([]byte, error) {
	data, err := readSecretFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s is not hex encoded", path)
	}
	return decoded, nil
}
