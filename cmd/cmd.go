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

// Package fwcmd facilitates the command line interface (CLI)
// and implements the main().
package fwcmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/fernweh-app/fernweh/ingest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	backendFlag   = flag.String("backend", "", "which backend to upload to: local or hosted")
	repoFlag      = flag.String("repo", "", "folder of the local journal repository")
	albumFlag     = flag.String("album", "", "album to stage photos into")
	captionFlag   = flag.String("caption", "", "caption applied to every staged photo")
	placeFlag     = flag.String("place", "", `manual location for every staged photo ("Name@lat,lon" or "lat,lon")`)
	workersFlag   = flag.Int("workers", 0, "maximum concurrent uploads (0 = default)")
	timeoutFlag   = flag.Duration("extract-timeout", 0, "per-photo metadata extraction timeout (0 = default)")
	dropDupesFlag = flag.Bool("drop-duplicates", false, "remove photos flagged as duplicates from the queue after staging")
	plainFlag     = flag.Bool("plain", false, "plain output: no table styling, no interactive prompts")
	verboseFlag   = flag.Bool("v", false, "enable debug logging")
)

// Version is the version of the program, set at build time.
var Version = "devel"

func Main() {
	flag.Parse()

	if *verboseFlag {
		ingest.SetLogLevel(zapcore.DebugLevel)
	}

	cfg, err := loadConfigFile()
	if err != nil {
		ingest.Log.Fatal("failed loading config", zap.Error(err))
	}
	cfg.fillDefaults()

	ctx := context.Background()

	subCommand, subCommandFunc := getStandardSubcommand(ctx, cfg)
	if subCommandFunc == nil {
		fmt.Println(commandLineHelp())
		if len(flag.Args()) > 0 {
			ingest.Log.Fatal("unknown subcommand", zap.String("subcommand", flag.Arg(0)))
		}
		return
	}

	if err := checkFlagParsing(); err != nil {
		ingest.Log.Fatal("possible syntax error detected", zap.Error(err))
	}
	if err := subCommandFunc(); err != nil {
		ingest.Log.Fatal("subcommand failed",
			zap.String("subcommand", subCommand),
			zap.Error(err))
	}
}

// Gets CLI subcommands.
func getStandardSubcommand(ctx context.Context, cfg *Config) (string, func() error) {
	standardCommands := map[string]func() error{
		"init": func() error {
			return initCommand(ctx, cfg)
		},
		"stage": func() error {
			return stageCommand(ctx, cfg, flag.Args()[1:], true)
		},
		"upload": func() error {
			return stageCommand(ctx, cfg, flag.Args()[1:], false)
		},
		"login": func() error {
			return loginCommand(ctx, cfg)
		},
		"logout": func() error {
			return logoutCommand()
		},
		"status": func() error {
			return statusCommand(ctx, cfg)
		},
		"whoami": func() error {
			return whoamiCommand(ctx, cfg)
		},
		"help": func() error {
			fmt.Println(commandLineHelp())
			return nil
		},
		"version": func() error {
			fmt.Println("fernweh", Version)
			return nil
		},
	}

	if len(flag.Args()) > 0 {
		subCommand := flag.Arg(0)
		subCommandFunc, ok := standardCommands[subCommand]
		if ok {
			return subCommand, subCommandFunc
		}
	}
	return "", nil
}

// checkFlagParsing returns an error if it looks like the
// program may have been invoked with the flags in the
// wrong place. It catches errors like running the program as:
// `fernweh upload -album tuscany ./photos`
// where it actually needs to be run as:
// `fernweh -album tuscany upload ./photos`
// in order to set the album properly. Failing to catch this
// would silently stage the photos into the wrong album.
func checkFlagParsing() error {
	if len(os.Args) > 2 && flag.NFlag() == 0 {
		return errors.New("it looks like you intended to specify flags, but none were parsed; make sure flags go before positional arguments")
	}
	return nil
}

func loadConfigFile() (*Config, error) {
	cfgBytes, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if configFile == DefaultConfigFilePath() {
				err = nil
			}
			return new(Config), err
		}
		return nil, err
	}
	var cfg *Config
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = new(Config)
	}
	return cfg, nil
}

// commandLineHelp returns the text to display for CLI help output.
func commandLineHelp() string {
	return `Fernweh is a travel journal for your photos.

Usage:

  fernweh [flags] <subcommand> [args...]

Subcommands:

  init
        Create the local journal repository and write the config file.

  stage <files...>
        Stage photos without uploading: compute fingerprints, extract
        capture time and location, flag duplicates, and print the plan.

  upload <files...>
        Stage photos, then upload everything eligible to the backend.

  status
        Print the selected backend, album, signed-in user, and how many
        photo fingerprints the album already has on record.

  login
        Sign in to the hosted service in the web browser and keep the
        session for later invocations.

  logout
        Sign out of the hosted service.

  whoami
        Print the signed-in user of the selected backend.

  version
        Print the version.

  help
        Print this help.

Files can be single photos, folders, or archives; folders and archives
are walked recursively and staged in natural name order.

Flags:

` + flagDefaults()
}

// flagDefaults renders the registered flags the way the flag
// package does, but into a string.
func flagDefaults() string {
	var sb strings.Builder
	flag.CommandLine.SetOutput(&sb)
	flag.PrintDefaults()
	flag.CommandLine.SetOutput(os.Stderr)
	return sb.String()
}

// configFile is the path of the config file to load; changeable with -config.
var configFile = DefaultConfigFilePath()

func init() {
	flag.StringVar(&configFile, "config", configFile, "path to the config file")
}
