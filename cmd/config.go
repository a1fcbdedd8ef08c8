/*
	Fernweh
	Copyright (c) 2024 Fernweh contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package fwcmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fernweh-app/fernweh/ingest"
	"go.uber.org/zap"
)

// Config describes the CLI's persisted preferences. Flags override it per
// invocation; `fernweh init` writes it.
type Config struct {
	// DefaultBackend is which backend uploads go to when -backend is not
	// given: "local" or "hosted".
	DefaultBackend string `json:"default_backend,omitempty"`

	// Repo is the folder of the local journal repository.
	Repo string `json:"repo,omitempty"`

	// Album is the album photos are staged into when -album is not given.
	Album string `json:"album,omitempty"`

	// UploadWorkers caps concurrent uploads; 0 means the built-in default.
	UploadWorkers int `json:"upload_workers,omitempty"`

	log *zap.Logger
}

func (cfg *Config) fillDefaults() {
	if cfg.log == nil {
		cfg.log = ingest.Log.Named("config").With(zap.Time("loaded", time.Now()))
	}
}

// save persists the config to its well-known path.
func (cfg *Config) save() error {
	filename := DefaultConfigFilePath()
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	cfgFile, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer cfgFile.Close()
	enc := json.NewEncoder(cfgFile)
	enc.SetIndent("", "\t")
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if cfg.log != nil {
		cfg.log.Info("saved config file", zap.String("path", filename))
	}
	return nil
}

// backendName resolves which backend to use: flag, then config, then local.
func (cfg *Config) backendName() string {
	if *backendFlag != "" {
		return *backendFlag
	}
	if cfg.DefaultBackend != "" {
		return cfg.DefaultBackend
	}
	return "local"
}

// repoDir resolves the local repo folder: flag, then environment, then
// config, then a Fernweh folder in the user's home directory.
func (cfg *Config) repoDir() string {
	if *repoFlag != "" {
		return *repoFlag
	}
	if envVal := os.Getenv("FERNWEH_REPO"); envVal != "" {
		return envVal
	}
	if cfg.Repo != "" {
		return cfg.Repo
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "Fernweh"
	}
	return filepath.Join(home, "Fernweh")
}

func (cfg *Config) album() string {
	if *albumFlag != "" {
		return *albumFlag
	}
	if cfg.Album != "" {
		return cfg.Album
	}
	return "journal"
}

func (cfg *Config) workers() int {
	if *workersFlag > 0 {
		return *workersFlag
	}
	return cfg.UploadWorkers
}

// DefaultConfigFilePath returns the file path where
// configuration is persisted.
func DefaultConfigFilePath() string {
	cfgDir, err := os.UserConfigDir()
	if err == nil {
		return filepath.Join(cfgDir, "fernweh", "config.json")
	}
	cfgDir, err = os.UserHomeDir()
	if err == nil {
		return filepath.Join(cfgDir, ".fernweh", "config.json")
	}
	return filepath.Join(".fernweh", "config.json")
}
