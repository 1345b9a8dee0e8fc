package cmd

import (
	"fmt"
	"os"
	"syscall"
)

// foregroundEnv is set in the re-executed daemon so it does not detach a
// second time. Settings read it as the foreground key.
const foregroundEnv = "KFMON_FOREGROUND=true"

// detach re-executes the running binary with the same arguments in a new
// session, with its standard streams on /dev/null and / as its working
// directory. It returns the pid of the detached daemon.
func detach() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer null.Close()

	pid, err := syscall.ForkExec(exe, os.Args, detachAttr(null.Fd()))
	if err != nil {
		return 0, fmt.Errorf("fork/exec %s: %w", exe, err)
	}
	return pid, nil
}

func detachAttr(null uintptr) *syscall.ProcAttr {
	return &syscall.ProcAttr{
		Dir:   "/",
		Env:   append(os.Environ(), foregroundEnv),
		Files: []uintptr{null, null, null},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
}
