package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"

	"github.com/ursafe/ursafe/vault"
)

// RunCommands is the plain line-oriented fallback for terminals where the
// TUI cannot run.
func RunCommands(engine *vault.Engine, secrets vault.SecretsMap) {
	for {
		fmt.Println("\nCommands: a=add, l=list, s NAME=show, c NAME=copy, d NAME=delete, i=status, q=quit")
		line := ReadLine("> ")
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]

		switch cmd {
		case "a":
			AddRecordCLI(engine, secrets)
		case "l":
			for _, name := range sortedNames(secrets) {
				record := secrets[name]
				fmt.Printf("%-24s  %-10s  %s\n", name, record.Kind, record.Username)
			}
		case "s", "c", "d":
			if len(parts) < 2 {
				fmt.Println("Specify record name")
				continue
			}
			name := parts[1]
			record, ok := secrets[name]
			if !ok {
				fmt.Println("Record not found")
				continue
			}
			switch cmd {
			case "s":
				fmt.Printf("Name: %s\nKind: %s\nUsername: %s\nPassword: %s\nNotes: %s\n",
					name, record.Kind, record.Username, record.Password, record.Note)
			case "c":
				clipboard.WriteAll(record.Password)
				fmt.Println("Password copied to clipboard. Clearing in 30 seconds...")
				time.AfterFunc(30*time.Second, func() {
					clipboard.WriteAll("")
				})
			case "d":
				delete(secrets, name)
				if err := engine.Save(secrets); err != nil {
					secrets[name] = record
					fmt.Println("Error saving vault:", err)
				} else {
					fmt.Println("Record deleted!")
				}
			}
		case "i":
			printStatus(engine)
		case "q":
			fmt.Println("Exiting.")
			return
		default:
			fmt.Println("Unknown command")
		}
	}
}

func printStatus(engine *vault.Engine) {
	status := engine.Status()
	fmt.Printf("Drive: %s\nInitialized: %v\nUnlocked: %v\nQuarantined: %v\nRecords: %d\nFingerprint stability: %.2f\n",
		status.DrivePath, status.Initialized, status.Unlocked, status.Quarantined,
		status.RecordCount, status.FingerprintStability)

	if chunkStatus, err := engine.ChunkStatus(); err == nil {
		fmt.Printf("Shares: %d host + %d drive of %d (need %d)\n",
			chunkStatus.HostPresent, chunkStatus.DrivePresent, chunkStatus.Total, chunkStatus.Required)
	}
	if logStats, err := engine.LogStats(); err == nil {
		fmt.Printf("Log entries: %d (head %.16s...)\n", logStats.Entries, logStats.HeadHash)
	}
}
