//go:build linux || darwin

// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package sandbox confines the rig server process after startup: a headless
// controller that may need a privileged bind port or raw device access at
// boot has no reason to keep those rights once the HTTP listener and device
// backend are up.
//
// Grounded on the teacher's internal/rest/sandbox_unix.go and
// sandbox_windows.go (chroot + setuid, fmt.Printf-logged), rewired onto
// zerolog to match the rest of this codebase's structured logging.
package sandbox

import (
	"fmt"
	"os"
	"syscall"

	"github.com/rs/zerolog"
)

// Enter chroots into dir (if set) and drops to uid (if >= 0). Both steps
// require the process to currently run as root.
func Enter(log zerolog.Logger, dir string, uid int) {
	if dir != "" {
		log.Info().Str("dir", dir).Msg("sandbox: changing filesystem root")
		if err := syscall.Chroot(dir); err != nil {
			panic(fmt.Sprintf("sandbox: chroot(%s): %s", dir, err.Error()))
		}
		if err := os.Chdir(dir); err != nil {
			panic(fmt.Sprintf("sandbox: chdir(%s): %s", dir, err.Error()))
		}
	}
	if uid >= 0 {
		log.Info().Int("from", syscall.Getuid()).Int("to", uid).Msg("sandbox: dropping setuid")
		if err := syscall.Setuid(uid); err != nil {
			panic(fmt.Sprintf("sandbox: setuid(%d): %s", uid, err.Error()))
		}
	}
}
