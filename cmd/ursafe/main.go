package main

import (
	"fmt"
	"os"

	"github.com/ursafe/ursafe/cli"
	"github.com/ursafe/ursafe/drive"
	"github.com/ursafe/ursafe/logger"
	"github.com/ursafe/ursafe/vault"
)

func main() {
	logger.Init()

	args := os.Args[1:]
	plain := false
	if len(args) > 0 && args[0] == "--plain" {
		plain = true
		args = args[1:]
	}

	drivePath, err := cli.PickDrive(args)
	if err != nil {
		fmt.Println("Error selecting drive:", err)
		return
	}

	engine := vault.New(drivePath, vault.DefaultConfig())

	var secrets vault.SecretsMap
	if !drive.IsVaultDrive(drivePath) {
		fmt.Printf("No vault on %s. Initializing a new one.\n", drivePath)
		pin := cli.ReadPINMasked("Set PIN: ")
		if err := engine.Initialize(pin); err != nil {
			fmt.Println("Error initializing vault:", err)
			return
		}
		pin = cli.ReadPINMasked("Enter PIN to unlock: ")
		secrets, err = engine.Unlock(pin)
	} else {
		pin := cli.ReadPINMasked("Enter PIN: ")
		secrets, err = engine.Unlock(pin)
	}
	if err != nil {
		fmt.Println("Error unlocking vault:", err)
		return
	}
	defer engine.Lock()

	if plain {
		cli.RunCommands(engine, secrets)
	} else {
		cli.RunTUI(engine, secrets)
	}
}
