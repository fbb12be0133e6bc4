// Command hapblectl exercises a single HAP-BLE accessory pairing from the
// command line: list its characteristics, read and write values, identify
// it, and manage its persisted pairing. Grounded on the teacher's kr CLI
// (kr.go) for the command/subcommand shape and on krd/main.go for logging
// setup.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"github.com/urfave/cli/v2"

	"github.com/go-hap/ble/connector"
	"github.com/go-hap/ble/internal/hlog"
	"github.com/go-hap/ble/pairing"
	"github.com/go-hap/ble/persist/filepersist"
)

func defaultPersistDir() string {
	if dir := os.Getenv("HAP_BLE_PERSIST_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hap-ble"
	}
	return home + "/.hap-ble"
}

func controllerFor(c *cli.Context) (*pairing.Controller, error) {
	address := c.String("address")
	if address == "" {
		return nil, fmt.Errorf("--address is required")
	}

	dir := c.String("persist-dir")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	store := filepersist.New(dir)

	data, err := store.LoadPairing(address)
	if err != nil && err != pairing.ErrNoSuchPairing {
		return nil, err
	}

	conn := connector.New(c.Int("max-write-size"))
	return pairing.New(address, conn, store, data), nil
}

func parseIIDs(args []string) ([]uint16, error) {
	iids := make([]uint16, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid instance id %q: %w", a, err)
		}
		iids = append(iids, uint16(n))
	}
	return iids, nil
}

func listCommand(c *cli.Context) error {
	ctrl, err := controllerFor(c)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := ctrl.Reconcile(ctx, true); err != nil {
		return err
	}
	fmt.Println("reconciled accessory database for", c.String("address"))
	return nil
}

func getCommand(c *cli.Context) error {
	ctrl, err := controllerFor(c)
	if err != nil {
		return err
	}
	iids, err := parseIIDs(c.Args().Slice())
	if err != nil {
		return err
	}
	results, err := ctrl.GetCharacteristics(context.Background(), iids)
	if err != nil {
		return err
	}
	for _, iid := range iids {
		fmt.Printf("%d: %s\n", iid, hex.EncodeToString(results[iid]))
	}
	return nil
}

func putCommand(c *cli.Context) error {
	ctrl, err := controllerFor(c)
	if err != nil {
		return err
	}
	iid, err := strconv.ParseUint(c.Args().Get(0), 10, 16)
	if err != nil {
		return fmt.Errorf("invalid instance id: %w", err)
	}
	value, err := hex.DecodeString(c.Args().Get(1))
	if err != nil {
		return fmt.Errorf("invalid hex value: %w", err)
	}
	results, err := ctrl.PutCharacteristics(context.Background(), []pairing.CharacteristicWrite{
		{IID: uint16(iid), Value: value},
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d: status=%d\n", uint16(iid), results[0].Status)
	return nil
}

func identifyCommand(c *cli.Context) error {
	ctrl, err := controllerFor(c)
	if err != nil {
		return err
	}
	return ctrl.Identify(context.Background())
}

func subscribeCommand(c *cli.Context) error {
	ctrl, err := controllerFor(c)
	if err != nil {
		return err
	}
	iids, err := parseIIDs(c.Args().Slice())
	if err != nil {
		return err
	}
	return ctrl.Subscribe(context.Background(), iids)
}

func listPairingsCommand(c *cli.Context) error {
	ctrl, err := controllerFor(c)
	if err != nil {
		return err
	}
	pairings, err := ctrl.ListPairings(context.Background())
	if err != nil {
		return err
	}
	for _, p := range pairings {
		role := "user"
		if p.Admin {
			role = "admin"
		}
		fmt.Printf("%s %s ltpk=%s\n", hex.EncodeToString(p.ControllerPairingID), role, hex.EncodeToString(p.LTPK))
	}
	return nil
}

func unpairCommand(c *cli.Context) error {
	ctrl, err := controllerFor(c)
	if err != nil {
		return err
	}
	return ctrl.Unpair(context.Background())
}

func pairCommand(c *cli.Context) error {
	// Pair-setup (SRP) is intentionally left external to this module — no
	// SRP implementation ships here. A caller embedding this module supplies
	// their own pairsetup.Machine to Controller.Pair directly; hapblectl
	// can't drive that handshake as a plain CLI flag.
	return fmt.Errorf("pairing requires an embedding program to supply a pairsetup.Machine; hapblectl cannot drive SRP pair-setup on its own")
}

func newControllerPairingID() string {
	return uuid.New().String()
}

func main() {
	hlog.Setup(logging.INFO)

	app := cli.NewApp()
	app.Name = "hapblectl"
	app.Usage = "exercise a HAP-BLE accessory pairing from the command line"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "address",
			Usage: "accessory BLE address",
		},
		&cli.StringFlag{
			Name:  "persist-dir",
			Value: defaultPersistDir(),
			Usage: "directory holding persisted pairing data",
		},
		&cli.IntFlag{
			Name:  "max-write-size",
			Value: connector.DefaultMaxWriteWithoutResponseSize,
			Usage: "cap on a single write-without-response call",
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "list",
			Usage:  "connect and refresh the cached accessory database",
			Action: listCommand,
		},
		{
			Name:      "get",
			Usage:     "read one or more characteristics by instance id",
			ArgsUsage: "IID [IID...]",
			Action:    getCommand,
		},
		{
			Name:      "put",
			Usage:     "write a characteristic value (hex-encoded)",
			ArgsUsage: "IID HEXVALUE",
			Action:    putCommand,
		},
		{
			Name:   "identify",
			Usage:  "trigger the accessory's identify routine",
			Action: identifyCommand,
		},
		{
			Name:      "subscribe",
			Usage:     "subscribe to one or more characteristics by instance id",
			ArgsUsage: "IID [IID...]",
			Action:    subscribeCommand,
		},
		{
			Name:   "pair",
			Usage:  "pair with the accessory (requires an embedding program)",
			Action: pairCommand,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "controller-pairing-id",
					Value: newControllerPairingID(),
					Usage: "controller pairing identifier to use, default random",
				},
			},
		},
		{
			Name:   "list-pairings",
			Usage:  "list controllers currently paired with the accessory",
			Action: listPairingsCommand,
		},
		{
			Name:   "unpair",
			Usage:  "remove this controller's pairing from the accessory and locally",
			Action: unpairCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		hlog.Log().Errorf("%s", err)
		os.Exit(1)
	}
}
