// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Civicadata
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command plangob serves and ingests Costa Rican government plans.
//
// Usage:
//
//	plangob serve --config plangob.yaml
//	plangob ingest --batch plans.yaml
//	plangob ingest --doc-id pln-2026 --party pln --url https://example.cr/plan.pdf
//	plangob chat --party pln
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP API server."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest government plans into the vector store."`
	Chat     ChatCmd     `cmd:"" help:"Ask questions interactively from the terminal."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file (default: plangob.yaml in the working directory)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("plangob version %s\n", version)
	return nil
}

// printBanner prints a colored ASCII banner when stdout is a terminal.
func printBanner() {
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			return
		}
	} else {
		return
	}

	// Blue: #3B82F6 = RGB(59, 130, 246)
	blueColor := "\033[38;2;59;130;246m"
	resetColor := "\033[0m"

	banner := `
 ____  _        _    _   _  ____   ___  ____
|  _ \| |      / \  | \ | |/ ___| / _ \| __ )
| |_) | |     / _ \ |  \| | |  _ | | | |  _ \
|  __/| |___ / ___ \| |\  | |_| || |_| | |_) |
|_|   |_____/_/   \_\_| \_|\____| \___/|____/
`
	fmt.Printf("%s%s%s\n", blueColor, banner, resetColor)
}

// shouldSkipBanner reports whether the invoked command is informational.
func shouldSkipBanner(args []string) bool {
	if len(args) < 2 {
		return false
	}
	for _, arg := range args {
		switch arg {
		case "validate", "schema", "version", "ingest":
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("plangob"),
		kong.Description("plangob - RAG backend for comparing Costa Rican government plans"),
		kong.UsageOnError(),
	)

	// Initialize the logger from CLI flags and environment variables.
	// Commands that load a config file re-apply its logging section for
	// any setting left unset here.
	cleanup, err := setupLogger(cli.LogLevel, cli.LogFile, cli.LogFormat, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
