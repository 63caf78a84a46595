// Package cfg locates and creates the on-disk directory used to pin
// the connection-tracking table across process restarts.
package cfg

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/netshepherd/dataplane/printer"
)

var cfgDir string

// Dir returns the config/state directory, creating it on first call.
func Dir() string {
	if cfgDir == "" {
		initCfgDir()
	}
	return cfgDir
}

func initCfgDir() {
	home, err := homedir.Dir()
	if err != nil {
		printer.Stderr.Warningf("failed to find $HOME, defaulting to '.', error: %v", err)
		home = "."
	}
	cfgDir = filepath.Join(home, ".dataplane")

	if stat, err := os.Stat(cfgDir); os.IsNotExist(err) {
		if err := os.Mkdir(cfgDir, 0700); err != nil {
			printer.Stderr.Warningf("failed to create config directory %s, CT table snapshots will not persist, error: %v\n", cfgDir, err)
		}
	} else if err != nil {
		printer.Stderr.Errorf("failed to stat %s: %v\n", cfgDir, err)
		os.Exit(1)
	} else if !stat.IsDir() {
		printer.Stderr.Errorf("%s is not a directory, please remove.\n", cfgDir)
		os.Exit(1)
	}
}
