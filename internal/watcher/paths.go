package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// esoSteamAppID is the Steam app ID for The Elder Scrolls Online, used to
// locate the Proton compatdata prefix on Linux.
const esoSteamAppID = "306130"

// esoDirVariants are the game environment directories that can each hold a
// SavedVariables folder.
var esoDirVariants = []string{"live", "pts", "liveeu"}

// DefaultSavedVariablesDir returns the conventional SavedVariables directory
// for the current platform. The directory is not required to exist; on Linux
// the native Steam path is preferred and the Flatpak path is used only when
// it already exists.
func DefaultSavedVariablesDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("USERPROFILE")
		if base == "" {
			base = home
		}
		return filepath.Join(base, "Documents", "Elder Scrolls Online", "live", "SavedVariables"), nil

	case "darwin":
		return filepath.Join(home, "Documents", "Elder Scrolls Online", "live", "SavedVariables"), nil

	case "linux":
		steam := protonSavedVariables(filepath.Join(home, ".steam", "steam"), "live")
		flatpak := protonSavedVariables(filepath.Join(home, ".var", "app", "com.valvesoftware.Steam", ".steam", "steam"), "live")
		if dirExists(steam) {
			return steam, nil
		}
		if dirExists(flatpak) {
			return flatpak, nil
		}
		return steam, nil

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// FindSavedVariablesDirs searches the known install locations and returns
// every SavedVariables directory that exists, covering the live, PTS, and EU
// environments.
func FindSavedVariablesDirs() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	var found []string
	add := func(path string) {
		if dirExists(path) {
			found = append(found, path)
		}
	}

	switch runtime.GOOS {
	case "windows":
		bases := []string{}
		if p := os.Getenv("USERPROFILE"); p != "" {
			bases = append(bases, filepath.Join(p, "Documents"))
		} else {
			bases = append(bases, filepath.Join(home, "Documents"))
		}
		if p := os.Getenv("ONEDRIVE"); p != "" {
			bases = append(bases, filepath.Join(p, "Documents"))
		}
		for _, base := range bases {
			for _, variant := range esoDirVariants {
				add(filepath.Join(base, "Elder Scrolls Online", variant, "SavedVariables"))
			}
		}

	case "darwin":
		for _, variant := range esoDirVariants {
			add(filepath.Join(home, "Documents", "Elder Scrolls Online", variant, "SavedVariables"))
		}

	case "linux":
		steamBases := []string{
			filepath.Join(home, ".steam", "steam"),
			filepath.Join(home, ".local", "share", "Steam"),
			filepath.Join(home, ".var", "app", "com.valvesoftware.Steam", ".steam", "steam"),
		}
		for _, base := range steamBases {
			for _, variant := range esoDirVariants {
				add(protonSavedVariables(base, variant))
			}
		}
	}

	return found
}

// protonSavedVariables builds the SavedVariables path inside a Proton prefix
// rooted at the given Steam installation.
func protonSavedVariables(steamBase, variant string) string {
	return filepath.Join(steamBase,
		"steamapps", "compatdata", esoSteamAppID,
		"pfx", "drive_c", "users", "steamuser",
		"Documents", "Elder Scrolls Online", variant, "SavedVariables")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
