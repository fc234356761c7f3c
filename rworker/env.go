package rworker

import (
	"path/filepath"
)

// WorkerEnv returns environment variables that keep an R process inside
// workDir: the user library, home, temp dir and profile lookups all point
// there, so nothing is read from or written to the real home directory.
//
// Returns "KEY=VALUE" strings suitable for appending to cmd.Env.
//
//	cmd.Env = append(os.Environ(), rworker.WorkerEnv(dir)...)
func WorkerEnv(workDir string) []string {
	return []string{
		"HOME=" + workDir,
		"TMPDIR=" + filepath.Join(workDir, "tmp"),
		"R_LIBS_USER=" + filepath.Join(workDir, "library"),
		"R_ENVIRON_USER=" + filepath.Join(workDir, ".Renviron"),
		"R_PROFILE_USER=" + filepath.Join(workDir, ".Rprofile"),
		"R_HISTFILE=" + filepath.Join(workDir, ".Rhistory"),
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
}
