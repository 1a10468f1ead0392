package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/cmd/custodycommon"
	"github.com/ruteri/custody-switch/cmd/flags"
	"github.com/ruteri/custody-switch/custody"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/urfave/cli/v2"
)

// withComponents wires the services from the configuration and runs fn.
func withComponents(fn func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		c, err := custodycommon.Setup(cCtx, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(cCtx.Context, cCtx, c)
	}
}

func uuidFlag(name, usage string) *cli.StringFlag {
	return &cli.StringFlag{Name: name, Required: true, Usage: usage}
}

func parseID(cCtx *cli.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(cCtx.String(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: %w", name, err)
	}
	return id, nil
}

var ownerCommand = &cli.Command{
	Name:  "owner",
	Usage: "Manage owners",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "create an owner and print it",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "email", Required: true},
				&cli.IntFlag{Name: "threshold-days", Value: interfaces.DefaultInactivityThresholdDays},
			},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				owner := &interfaces.Owner{
					ID:                      uuid.New(),
					Email:                   cCtx.String("email"),
					InactivityThresholdDays: cCtx.Int("threshold-days"),
					CreatedAt:               c.Clock.Now(),
				}
				if err := owner.Validate(); err != nil {
					return err
				}
				if err := c.Store.Owners().Create(ctx, owner); err != nil {
					return err
				}
				return printJSON(owner)
			}),
		},
		{
			Name:  "pause",
			Usage: "pause inactivity tracking, optionally until a time",
			Flags: []cli.Flag{
				uuidFlag("owner", "owner ID"),
				&cli.TimestampFlag{Name: "until", Layout: time.RFC3339},
			},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				return updateOwner(ctx, cCtx, c, func(o *interfaces.Owner) {
					o.IsPaused = true
					o.PausedUntil = cCtx.Timestamp("until")
				})
			}),
		},
		{
			Name:  "resume",
			Usage: "resume inactivity tracking",
			Flags: []cli.Flag{uuidFlag("owner", "owner ID")},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				return updateOwner(ctx, cCtx, c, func(o *interfaces.Owner) {
					o.IsPaused = false
					o.PausedUntil = nil
				})
			}),
		},
		{
			Name:  "checkin",
			Usage: "record an activity for the owner",
			Flags: []cli.Flag{
				uuidFlag("owner", "owner ID"),
				&cli.StringFlag{Name: "type", Value: string(interfaces.ActivityManualCheckin)},
				&cli.StringFlag{Name: "client", Value: "custodyctl"},
			},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				ownerID, err := parseID(cCtx, "owner")
				if err != nil {
					return err
				}
				activityType, err := interfaces.ParseActivityType(cCtx.String("type"))
				if err != nil {
					return err
				}
				record, err := c.Ledger.RecordActivity(ctx, ownerID, activityType, nil, cCtx.String("client"), time.Time{})
				if err != nil {
					return err
				}
				return printJSON(record)
			}),
		},
	},
}

func updateOwner(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components, fn func(o *interfaces.Owner)) error {
	ownerID, err := parseID(cCtx, "owner")
	if err != nil {
		return err
	}
	owner, err := c.Store.Owners().Get(ctx, ownerID)
	if err != nil {
		return err
	}
	fn(owner)
	if err := c.Store.Owners().Update(ctx, owner); err != nil {
		return err
	}
	return printJSON(owner)
}

var successorCommand = &cli.Command{
	Name:  "successor",
	Usage: "Manage an owner's successors",
	Subcommands: []*cli.Command{
		{
			Name:  "add",
			Usage: "add an unverified successor and print the verification token",
			Flags: []cli.Flag{
				uuidFlag("owner", "owner ID"),
				&cli.StringFlag{Name: "email", Required: true},
				&cli.StringFlag{Name: "name"},
				&cli.IntFlag{Name: "delay-days"},
				&cli.StringFlag{Name: "pubkey-file", Usage: "seal shares to this PEM P-256 key instead of a passphrase"},
			},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				ownerID, err := parseID(cCtx, "owner")
				if err != nil {
					return err
				}
				in := custody.NewSuccessor{
					Email:             cCtx.String("email"),
					Name:              cCtx.String("name"),
					HandoverDelayDays: cCtx.Int("delay-days"),
				}
				if path := cCtx.String("pubkey-file"); path != "" {
					if in.PublicKeyPEM, err = os.ReadFile(path); err != nil {
						return err
					}
				}
				successor, err := c.Custody.AddSuccessor(ctx, ownerID, in)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"successor":         successor,
					"verificationToken": successor.VerificationToken,
				})
			}),
		},
		{
			Name:      "verify",
			Usage:     "verify a successor with their token",
			ArgsUsage: "TOKEN",
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				successor, err := c.Custody.VerifySuccessor(ctx, cCtx.Args().First())
				if err != nil {
					return err
				}
				return printJSON(successor)
			}),
		},
		{
			Name:  "remove",
			Usage: "remove a successor",
			Flags: []cli.Flag{uuidFlag("owner", "owner ID"), uuidFlag("successor", "successor ID")},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				ownerID, err := parseID(cCtx, "owner")
				if err != nil {
					return err
				}
				successorID, err := parseID(cCtx, "successor")
				if err != nil {
					return err
				}
				return c.Custody.RemoveSuccessor(ctx, ownerID, successorID)
			}),
		},
		{
			Name:  "list",
			Usage: "list an owner's successors",
			Flags: []cli.Flag{uuidFlag("owner", "owner ID")},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				ownerID, err := parseID(cCtx, "owner")
				if err != nil {
					return err
				}
				successors, err := c.Custody.ListSuccessors(ctx, ownerID)
				if err != nil {
					return err
				}
				return printJSON(successors)
			}),
		},
	},
}

var provisionCommand = &cli.Command{
	Name:  "provision",
	Usage: "split an owner's master key among their verified successors",
	Flags: []cli.Flag{
		uuidFlag("owner", "owner ID"),
		flagThreshold,
		&cli.StringFlag{Name: "master-key-file", Required: true, Usage: "file holding the hex-encoded master key"},
		&cli.StringSliceFlag{
			Name:  "passphrase-file",
			Usage: "SUCCESSOR_ID=PATH; required for successors without a public key",
		},
	},
	Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
		ownerID, err := parseID(cCtx, "owner")
		if err != nil {
			return err
		}
		masterKey, err := readHexFile(cCtx.String("master-key-file"))
		if err != nil {
			return err
		}

		passphrases := make(map[uuid.UUID][]byte)
		for _, entry := range cCtx.StringSlice("passphrase-file") {
			idStr, path, ok := strings.Cut(entry, "=")
			if !ok {
				return fmt.Errorf("--passphrase-file %q: expected SUCCESSOR_ID=PATH", entry)
			}
			id, err := uuid.Parse(idStr)
			if err != nil {
				return fmt.Errorf("--passphrase-file %q: %w", entry, err)
			}
			if passphrases[id], err = readSecretFile(path); err != nil {
				return err
			}
		}

		result, err := c.Custody.ProvisionShares(ctx, ownerID, masterKey, cCtx.Int(flagThreshold.Name), passphrases)
		if err != nil {
			return err
		}
		return printJSON(result)
	}),
}

var downtimeCommand = &cli.Command{
	Name:  "downtime",
	Usage: "Declare maintenance and outage windows",
	Subcommands: []*cli.Command{
		{
			Name:  "start",
			Usage: "open a downtime window starting now",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "status", Value: string(interfaces.SystemMaintenance), Usage: "maintenance or outage"},
				&cli.StringFlag{Name: "description"},
			},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				status := interfaces.SystemStatus(cCtx.String("status"))
				if !status.Valid() || status == interfaces.SystemOperational {
					return fmt.Errorf("%w: downtime status must be maintenance or outage", interfaces.ErrValidation)
				}
				window := &interfaces.DowntimeWindow{
					ID:          uuid.New(),
					Status:      status,
					Start:       c.Clock.Now(),
					Description: cCtx.String("description"),
				}
				if err := c.Store.Downtime().Create(ctx, window); err != nil {
					return err
				}
				return printJSON(window)
			}),
		},
		{
			Name:  "end",
			Usage: "close a downtime window now",
			Flags: []cli.Flag{uuidFlag("id", "window ID")},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				id, err := parseID(cCtx, "id")
				if err != nil {
					return err
				}
				return c.Store.Downtime().Close(ctx, id, c.Clock.Now())
			}),
		},
	},
}

var handoverCommand = &cli.Command{
	Name:  "handover",
	Usage: "Drive handover processes manually",
	Subcommands: []*cli.Command{
		{
			Name:  "initiate",
			Flags: []cli.Flag{uuidFlag("owner", "owner ID")},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				ownerID, err := parseID(cCtx, "owner")
				if err != nil {
					return err
				}
				p, err := c.Orchestrator.InitiateHandover(ctx, ownerID)
				if err != nil {
					return err
				}
				return printJSON(p)
			}),
		},
		{
			Name: "cancel",
			Flags: []cli.Flag{
				uuidFlag("owner", "owner ID"),
				&cli.StringFlag{Name: "reason"},
			},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				ownerID, err := parseID(cCtx, "owner")
				if err != nil {
					return err
				}
				p, err := c.Orchestrator.CancelHandover(ctx, ownerID, cCtx.String("reason"))
				if err != nil {
					return err
				}
				if p == nil {
					fmt.Println("no active handover")
					return nil
				}
				return printJSON(p)
			}),
		},
		{
			Name:  "respond",
			Usage: "record a successor's confirmation or decline",
			Flags: []cli.Flag{
				uuidFlag("process", "process ID"),
				uuidFlag("successor", "successor ID"),
				&cli.StringFlag{Name: "response", Required: true, Usage: "confirmed or declined"},
			},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				processID, err := parseID(cCtx, "process")
				if err != nil {
					return err
				}
				successorID, err := parseID(cCtx, "successor")
				if err != nil {
					return err
				}
				response := interfaces.SuccessorResponse(cCtx.String("response"))
				if !response.Valid() {
					return fmt.Errorf("%w: unknown response %q", interfaces.ErrValidation, response)
				}
				p, err := c.Orchestrator.ProcessSuccessorResponse(ctx, processID, successorID, response)
				if err != nil {
					return err
				}
				return printJSON(p)
			}),
		},
		{
			Name:  "ready",
			Flags: []cli.Flag{uuidFlag("process", "process ID")},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				processID, err := parseID(cCtx, "process")
				if err != nil {
					return err
				}
				p, err := c.Orchestrator.MarkReadyForTransfer(ctx, processID)
				if err != nil {
					return err
				}
				return printJSON(p)
			}),
		},
		{
			Name:  "complete",
			Flags: []cli.Flag{uuidFlag("process", "process ID")},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				processID, err := parseID(cCtx, "process")
				if err != nil {
					return err
				}
				p, err := c.Orchestrator.CompleteHandover(ctx, processID)
				if err != nil {
					return err
				}
				return printJSON(p)
			}),
		},
		{
			Name:  "grant",
			Usage: "issue a retrieval grant for a confirmed successor",
			Flags: []cli.Flag{
				uuidFlag("process", "process ID"),
				uuidFlag("successor", "successor ID"),
			},
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				if c.Grants == nil {
					return fmt.Errorf("%w: handover.grant_secret is not configured", interfaces.ErrValidation)
				}
				processID, err := parseID(cCtx, "process")
				if err != nil {
					return err
				}
				successorID, err := parseID(cCtx, "successor")
				if err != nil {
					return err
				}
				token, err := c.Grants.IssueRetrievalGrant(ctx, processID, successorID)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			}),
		},
	},
}

var rangeFlags = []cli.Flag{
	uuidFlag("owner", "owner ID"),
	&cli.TimestampFlag{Name: "from", Layout: time.RFC3339, Required: true},
	&cli.TimestampFlag{Name: "to", Layout: time.RFC3339, Required: true},
}

var ledgerCommand = &cli.Command{
	Name:  "ledger",
	Usage: "Audit and export the activity ledger",
	Subcommands: []*cli.Command{
		{
			Name:  "audit",
			Usage: "verify every record of an owner in [from, to)",
			Flags: rangeFlags,
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				ownerID, err := parseID(cCtx, "owner")
				if err != nil {
					return err
				}
				report, err := c.Ledger.AuditRange(ctx, ownerID, *cCtx.Timestamp("from"), *cCtx.Timestamp("to"))
				if err != nil {
					return err
				}
				return printJSON(report)
			}),
		},
		{
			Name:  "export",
			Usage: "archive an owner's records in [from, to) as evidence",
			Flags: rangeFlags,
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				if c.Archive == nil {
					return fmt.Errorf("%w: archive.locations is not configured", interfaces.ErrValidation)
				}
				ownerID, err := parseID(cCtx, "owner")
				if err != nil {
					return err
				}
				id, err := c.Ledger.ExportRange(ctx, c.Archive, ownerID, *cCtx.Timestamp("from"), *cCtx.Timestamp("to"))
				if err != nil {
					return err
				}
				fmt.Println(id.String())
				return nil
			}),
		},
		{
			Name:      "verify-evidence",
			Usage:     "verify an exported evidence file",
			ArgsUsage: "FILE",
			Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
				data, err := os.ReadFile(cCtx.Args().First())
				if err != nil {
					return err
				}
				_, report, err := c.Ledger.VerifyEvidence(data)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Intact() {
					return fmt.Errorf("%w: evidence contains tampered records", interfaces.ErrIntegrity)
				}
				return nil
			}),
		},
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print an owner's inactivity status",
	Flags: []cli.Flag{uuidFlag("owner", "owner ID")},
	Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
		ownerID, err := parseID(cCtx, "owner")
		if err != nil {
			return err
		}
		status, err := c.Monitor.ComputeStatus(ctx, ownerID)
		if err != nil {
			return err
		}
		return printJSON(status)
	}),
}

var sweepCommand = &cli.Command{
	Name:  "sweep",
	Usage: "run one inactivity sweep over all owners",
	Action: withComponents(func(ctx context.Context, cCtx *cli.Context, c *custodycommon.Components) error {
		report, err := c.Monitor.Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	}),
}
