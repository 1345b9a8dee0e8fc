package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"
)

const serviceName = "kfmon.service"

var systemdUnit = `[Unit]
Description=KFMon file watch launcher
After=local-fs.target

[Service]
Type=simple
ExecStart={{.Executable}} daemon --foreground --config-dir {{.ConfigDir}} --mount-point {{.MountPoint}}{{if .Syslog}} --syslog{{end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

type unitData struct {
	Executable string
	ConfigDir  string
	MountPoint string
	Syslog     bool
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install kfmon as a systemd service (Linux)",
	Long: `Install the kfmon daemon as a systemd service that starts at boot
and restarts if it crashes.

Reader firmware without systemd starts kfmon from its own init scripts
instead; this command is for generic Linux hosts.`,
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the kfmon systemd service (Linux)",
	Long:  `Stop, disable, and remove the kfmon systemd service.`,
	RunE:  runUninstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)

	installCmd.Flags().String("unit-dir", "/etc/systemd/system", "Directory for the unit file")
	installCmd.Flags().Bool("no-start", false, "Write the unit file without enabling or starting it")
	uninstallCmd.Flags().String("unit-dir", "/etc/systemd/system", "Directory holding the unit file")
}

func runInstall(cmd *cobra.Command, args []string) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("install command is only supported on Linux")
	}

	unitDir, _ := cmd.Flags().GetString("unit-dir")
	noStart, _ := cmd.Flags().GetBool("no-start")

	// Get the path to the current executable
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	executable, err = filepath.EvalSymlinks(executable)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	boot, err := bootstrapSettings()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(unitDir, 0755); err != nil {
		return fmt.Errorf("failed to create unit directory: %w", err)
	}
	unitPath := filepath.Join(unitDir, serviceName)

	f, err := os.Create(unitPath)
	if err != nil {
		return fmt.Errorf("failed to create unit file: %w", err)
	}
	defer f.Close()

	data := unitData{
		Executable: executable,
		ConfigDir:  boot.ConfigDir,
		MountPoint: boot.MountPoint,
		Syslog:     boot.UseSyslog,
	}
	if err := renderUnit(f, data); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Unit: %s\n", unitPath)
	if noStart {
		return nil
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if err := exec.Command("systemctl", "enable", "--now", serviceName).Run(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	fmt.Fprintf(out, "Installed and started %s\n", serviceName)
	return nil
}

func renderUnit(w io.Writer, data unitData) error {
	tmpl, err := template.New("unit").Parse(systemdUnit)
	if err != nil {
		return fmt.Errorf("failed to parse unit template: %w", err)
	}
	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to write unit: %w", err)
	}
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("uninstall command is only supported on Linux")
	}

	unitDir, _ := cmd.Flags().GetString("unit-dir")
	unitPath := filepath.Join(unitDir, serviceName)

	// Check if installed
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return fmt.Errorf("service is not installed")
	}

	if err := exec.Command("systemctl", "disable", "--now", serviceName).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to stop service: %v\n", err)
	}

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	exec.Command("systemctl", "daemon-reload").Run()

	fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s\n", serviceName)
	return nil
}
