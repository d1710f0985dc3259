package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/ursafe/ursafe/crypto"
	"github.com/ursafe/ursafe/vault"
)

// AddRecordCLI prompts for a new record on plain stdin and saves it.
func AddRecordCLI(engine *vault.Engine, secrets vault.SecretsMap) {
	fmt.Print("\n--- Add New Record ---\n")

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Name: ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)
	if name == "" {
		fmt.Println("Name is required.")
		return
	}
	if _, exists := secrets[name]; exists {
		fmt.Println("A record with that name already exists.")
		return
	}

	fmt.Print("Username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)

	fmt.Print("Password: ")
	passwordBytes, _ := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	password := strings.TrimSpace(string(passwordBytes))

	fmt.Print("Notes (optional): ")
	notes, _ := reader.ReadString('\n')
	notes = strings.TrimSpace(notes)

	record := vault.Record{
		ID:       uuid.New().String(),
		Kind:     vault.RecordPassword,
		Username: username,
		Password: password,
		Note:     notes,
	}
	if password == "" && username == "" {
		record.Kind = vault.RecordNote
	}

	secrets[name] = record
	if err := engine.Save(secrets); err != nil {
		fmt.Println("Error saving vault:", err)
		delete(secrets, name)
		return
	}

	fmt.Println("Record added!\nPress Enter to continue...")
	reader.ReadString('\n')
	crypto.Zero(passwordBytes)
}
