package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"korgalore/internal/bozofilter"
)

var (
	bozofilterAdd    string
	bozofilterReason string
	bozofilterEdit   bool
	bozofilterList   bool
)

var bozofilterCmd = &cobra.Command{
	Use:   "bozofilter",
	Short: "Manage the list of sender addresses blocked from delivery",
	RunE:  runBozofilter,
}

func init() {
	bozofilterCmd.Flags().StringVar(&bozofilterAdd, "add", "", "comma-separated address(es) to add")
	bozofilterCmd.Flags().StringVar(&bozofilterReason, "reason", "", "comment recorded alongside an added address")
	bozofilterCmd.Flags().BoolVar(&bozofilterEdit, "edit", false, "open the bozofilter file in $EDITOR")
	bozofilterCmd.Flags().BoolVar(&bozofilterList, "list", false, "list every address currently in the bozofilter")
	rootCmd.AddCommand(bozofilterCmd)
}

func bozofilterPath() (string, error) {
	dir, err := xdgConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bozofilter.txt"), nil
}

func runBozofilter(cmd *cobra.Command, args []string) error {
	path, err := bozofilterPath()
	if err != nil {
		return err
	}

	switch {
	case bozofilterEdit:
		return editBozofilter(path)
	case bozofilterAdd != "":
		return addToBozofilter(path, bozofilterAdd, bozofilterReason)
	default:
		return listBozofilter(path)
	}
}

func editBozofilter(path string) error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		editor = "vi"
	}
	c := exec.Command(editor, path)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

func addToBozofilter(path, addressList, reason string) error {
	f, err := bozofilter.Load(path)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	today := time.Now().Format("2006-01-02")
	added := 0
	for _, addr := range strings.Split(addressList, ",") {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || f.Blocks("<"+addr+">") {
			continue
		}
		comment := fmt.Sprintf("added on %s", today)
		if reason != "" {
			comment += ", " + reason
		}
		if _, err := fmt.Fprintf(out, "%s # %s\n", addr, comment); err != nil {
			return err
		}
		added++
	}
	fmt.Printf("Added %d address(es) to bozofilter.\n", added)
	return nil
}

func listBozofilter(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Println("Bozofilter is empty.")
		return nil
	}
	if err != nil {
		return err
	}

	count := 0
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		count++
	}
	if count == 0 {
		fmt.Println("Bozofilter is empty.")
		return nil
	}
	fmt.Printf("Bozofilter contains %d address(es):\n", count)
	fmt.Print(string(data))
	return nil
}
