package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/ursafe/ursafe/drive"
)

// PickDrive returns the drive to operate on: the explicit argument if one
// was given, otherwise a choice from the enumerated removable volumes.
func PickDrive(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	mounts := drive.Enumerate()
	if len(mounts) == 0 {
		return "", fmt.Errorf("no removable drives found; pass a mount point explicitly")
	}
	if len(mounts) == 1 {
		return mounts[0], nil
	}
	fmt.Println("Removable drives:")
	for i, mount := range mounts {
		marker := " "
		if drive.IsVaultDrive(mount) {
			marker = "*"
		}
		fmt.Printf("%d) %s %s\n", i+1, marker, mount)
	}
	fmt.Print("Select drive: ")
	var num int
	if _, err := fmt.Scanln(&num); err != nil || num < 1 || num > len(mounts) {
		return "", fmt.Errorf("invalid selection")
	}
	return mounts[num-1], nil
}

// ReadLine reads one trimmed line from stdin.
func ReadLine(prompt string) string {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// ReadPINMasked reads the PIN with echoed asterisks.
func ReadPINMasked(prompt string) []byte {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	state, _ := term.MakeRaw(fd)
	defer term.Restore(fd, state)

	var input []rune
	for {
		var buf [1]byte
		os.Stdin.Read(buf[:])
		c := buf[0]

		switch c {
		case 13, 10: // Enter
			fmt.Println()
			return []byte(string(input))
		case 127, 8: // Backspace
			if len(input) > 0 {
				input = input[:len(input)-1]
				fmt.Print("\b \b")
			}
		default:
			r, _ := utf8.DecodeRune(buf[:])
			input = append(input, r)
			fmt.Print("*")
		}
	}
}
