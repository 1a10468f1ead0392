package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ruteri/custody-switch/cryptoutils"
	"github.com/ruteri/custody-switch/kms"
	"github.com/urfave/cli/v2"
)

var flagThreshold = &cli.IntFlag{
	Name:     "threshold",
	Aliases:  []string{"t"},
	Required: true,
	Usage:    "number of shares needed to reconstruct the secret",
}

var flagSecretFile = &cli.StringFlag{
	Name:     "secret-file",
	Required: true,
	Usage:    "file holding the hex-encoded secret, or - for stdin",
}

var sharesCommand = &cli.Command{
	Name:  "shares",
	Usage: "Split, combine and verify Shamir shares offline",
	Subcommands: []*cli.Command{
		{
			Name:  "split",
			Usage: "split a secret into base64 shares, one per line",
			Flags: []cli.Flag{
				flagSecretFile,
				flagThreshold,
				&cli.IntFlag{Name: "shares", Aliases: []string{"n"}, Required: true, Usage: "total number of shares"},
			},
			Action: func(cCtx *cli.Context) error {
				secret, err := readHexFile(cCtx.String(flagSecretFile.Name))
				if err != nil {
					return err
				}
				shares, err := kms.Split(secret, cCtx.Int("shares"), cCtx.Int(flagThreshold.Name))
				if err != nil {
					return err
				}
				for _, s := range shares {
					fmt.Println(s.String())
				}
				return nil
			},
		},
		{
			Name:      "combine",
			Usage:     "reconstruct a secret from base64 shares and print it hex-encoded",
			ArgsUsage: "SHARE...",
			Flags:     []cli.Flag{flagThreshold},
			Action: func(cCtx *cli.Context) error {
				shares, err := parseShareArgs(cCtx.Args().Slice())
				if err != nil {
					return err
				}
				secret, err := kms.ReconstructWithThreshold(shares, cCtx.Int(flagThreshold.Name))
				if err != nil {
					return err
				}
				fmt.Println(hex.EncodeToString(secret))
				return nil
			},
		},
		{
			Name:      "verify",
			Usage:     "check that every threshold-sized subset of the shares yields the same secret",
			ArgsUsage: "SHARE...",
			Flags:     []cli.Flag{flagThreshold},
			Action: func(cCtx *cli.Context) error {
				shares, err := parseShareArgs(cCtx.Args().Slice())
				if err != nil {
					return err
				}
				if !kms.VerifyShares(shares, cCtx.Int(flagThreshold.Name)) {
					return errors.New("shares are inconsistent")
				}
				fmt.Println("shares are consistent")
				return nil
			},
		},
		{
			Name:  "seal",
			Usage: "seal a share for a successor with a passphrase or public key",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "share", Required: true, Usage: "base64 share"},
				&cli.StringFlag{Name: "passphrase-file", Usage: "file holding the successor's passphrase"},
				&cli.StringFlag{Name: "pubkey-file", Usage: "PEM P-256 public key of the successor"},
			},
			Action: func(cCtx *cli.Context) error {
				share, err := kms.ParseShareString(cCtx.String("share"))
				if err != nil {
					return err
				}
				defer share.Wipe()

				var sealed *kms.SealedShare
				switch {
				case cCtx.IsSet("pubkey-file") == cCtx.IsSet("passphrase-file"):
					return errors.New("exactly one of --passphrase-file or --pubkey-file is required")
				case cCtx.IsSet("pubkey-file"):
					pub, err := os.ReadFile(cCtx.String("pubkey-file"))
					if err != nil {
						return err
					}
					sealed, err = kms.SealWithPublicKey(share, pub)
					if err != nil {
						return err
					}
				default:
					passphrase, err := readSecretFile(cCtx.String("passphrase-file"))
					if err != nil {
						return err
					}
					sealed, err = kms.SealWithPassphrase(share, passphrase)
					if err != nil {
						return err
					}
				}
				return printJSON(sealed)
			},
		},
		{
			Name:      "open",
			Usage:     "open a sealed share and print it in base64",
			ArgsUsage: "SEALED_SHARE_FILE",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "passphrase-file", Usage: "file holding the passphrase"},
				&cli.StringFlag{Name: "privkey-file", Usage: "PEM P-256 private key"},
			},
			Action: func(cCtx *cli.Context) error {
				data, err := os.ReadFile(cCtx.Args().First())
				if err != nil {
					return err
				}
				sealed, err := kms.ParseSealedShare(data)
				if err != nil {
					return err
				}

				var share kms.Share
				if cCtx.IsSet("privkey-file") {
					priv, err := os.ReadFile(cCtx.String("privkey-file"))
					if err != nil {
						return err
					}
					share, err = sealed.OpenWithPrivateKey(priv)
					if err != nil {
						return err
					}
				} else {
					passphrase, err := readSecretFile(cCtx.String("passphrase-file"))
					if err != nil {
						return err
					}
					share, err = sealed.OpenWithPassphrase(passphrase)
					if err != nil {
						return err
					}
				}
				defer share.Wipe()
				fmt.Println(share.String())
				return nil
			},
		},
	},
}

var keysCommand = &cli.Command{
	Name:  "keys",
	Usage: "Generate and derive keys, encrypt and decrypt payloads",
	Subcommands: []*cli.Command{
		{
			Name:  "generate-master",
			Usage: "print a random hex-encoded master key",
			Action: func(cCtx *cli.Context) error {
				key := make([]byte, kms.MinMasterKeyLength)
				if _, err := rand.Read(key); err != nil {
					return err
				}
				fmt.Println(hex.EncodeToString(key))
				return nil
			},
		},
		{
			Name:  "generate-sealing",
			Usage: "write a P-256 sealing key pair for a successor",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "privkey-file", Value: "successor-private.pem"},
				&cli.StringFlag{Name: "pubkey-file", Value: "successor-public.pem"},
			},
			Action: func(cCtx *cli.Context) error {
				priv, pub, err := cryptoutils.GenerateSealingKeyPair()
				if err != nil {
					return err
				}
				if err := os.WriteFile(cCtx.String("privkey-file"), priv, 0o600); err != nil {
					return err
				}
				return os.WriteFile(cCtx.String("pubkey-file"), pub, 0o644)
			},
		},
		{
			Name:  "derive",
			Usage: "derive an AES-256 key from a passphrase and print it with its salt",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "passphrase-file", Required: true},
				&cli.StringFlag{Name: "salt", Usage: "hex salt; a new one is generated when empty"},
				&cli.IntFlag{Name: "iterations", Value: cryptoutils.DefaultIterations},
			},
			Action: func(cCtx *cli.Context) error {
				passphrase, err := readSecretFile(cCtx.String("passphrase-file"))
				if err != nil {
					return err
				}
				var salt []byte
				if s := cCtx.String("salt"); s != "" {
					if salt, err = hex.DecodeString(s); err != nil {
						return errors.New("salt is not hex encoded")
					}
				} else if salt, err = cryptoutils.NewSalt(); err != nil {
					return err
				}
				key, err := cryptoutils.DeriveKey(passphrase, salt, cCtx.Int("iterations"))
				if err != nil {
					return err
				}
				return printJSON(map[string]string{
					"salt": hex.EncodeToString(salt),
					"key":  hex.EncodeToString(key[:]),
				})
			},
		},
		{
			Name:  "encrypt",
			Usage: "encrypt stdin with a hex key file and print the JSON payload",
			Flags: []cli.Flag{&cli.StringFlag{Name: "key-file", Required: true}},
			Action: func(cCtx *cli.Context) error {
				key, err := readKey(cCtx.String("key-file"))
				if err != nil {
					return err
				}
				plaintext, err := readAll(os.Stdin)
				if err != nil {
					return err
				}
				payload, err := cryptoutils.Encrypt(plaintext, key)
				if err != nil {
					return err
				}
				return printJSON(payload)
			},
		},
		{
			Name:  "decrypt",
			Usage: "decrypt a JSON payload from stdin with a hex key file",
			Flags: []cli.Flag{&cli.StringFlag{Name: "key-file", Required: true}},
			Action: func(cCtx *cli.Context) error {
				key, err := readKey(cCtx.String("key-file"))
				if err != nil {
					return err
				}
				var payload cryptoutils.EncryptedPayload
				if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
					return fmt.Errorf("malformed payload: %w", err)
				}
				plaintext, err := cryptoutils.Decrypt(&payload, key)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(plaintext)
				return err
			},
		},
	},
}

func parseShareArgs(args []string) ([]kms.Share, error) {
	if len(args) == 0 {
		return nil, errors.New("no shares given")
	}
	shares := make([]kms.Share, 0, len(args))
	for i, arg := range args {
		s, err := kms.ParseShareString(arg)
		if err != nil {
			return nil, fmt.Errorf("share %d: %w", i+1, err)
		}
		shares = append(shares, s)
	}
	return shares, nil
}

func readKey(path string) (cryptoutils.Key, error) {
	raw, err := readHexFile(path)
	if err != nil {
		return cryptoutils.Key{}, err
	}
	return cryptoutils.NewKeyFromBytes(raw)
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 1<<20))
}
