package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testforge/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage prompt templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompt templates and whether they are overridden",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		lib := prompt.NewLibrary(templatesDir(dir))
		for _, name := range prompt.Names() {
			source := dimStyle.Render("built-in")
			if lib.Dir() != "" && fileExists(filepath.Join(lib.Dir(), name)) {
				source = okStyle.Render("override")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-32s %s\n", name, source)
		}
		return nil
	},
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Copy the built-in templates into the template directory for editing",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		lib := prompt.NewLibrary(templatesDir(dir))
		written, err := lib.Install()
		if err != nil {
			return err
		}
		if len(written) == 0 {
			cmd.Printf("Templates already installed in %s\n", lib.Dir())
			return nil
		}
		for _, name := range written {
			cmd.Printf("installed %s\n", filepath.Join(lib.Dir(), name))
		}
		return nil
	},
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func templatesDir(flag string) string {
	if flag != "" {
		return flag
	}
	return prompt.DefaultDir()
}

func init() {
	templatesCmd.PersistentFlags().String("dir", "", "Template directory (default: ~/.testforge/templates)")
	templatesCmd.AddCommand(templatesListCmd, templatesInstallCmd)
}
