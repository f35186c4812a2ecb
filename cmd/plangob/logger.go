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

package main

import (
	"fmt"
	"os"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/logger"
)

const (
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
	// DefaultLogFormat is the default log format
	DefaultLogFormat = "text"
)

// setupLogger initializes the process-wide logger.
// Priority per setting: CLI flag > env var > config file > default.
// Pass a nil config before configuration is loaded; commands that load
// a config file call this again so the logging section takes effect.
// Returns a cleanup function that closes the log file, if one was opened.
func setupLogger(cliLevel, cliFile, cliFormat string, cfg *config.LoggingConfig) (func(), error) {
	var cfgLevel, cfgFile, cfgFormat string
	if cfg != nil {
		cfgLevel = cfg.Level
		cfgFile = cfg.File
		cfgFormat = cfg.Format
	}

	logLevel := firstNonEmpty(cliLevel, os.Getenv(LogLevelEnvVar), cfgLevel, "info")
	logFile := firstNonEmpty(cliFile, os.Getenv(LogFileEnvVar), cfgFile)
	logFormat := firstNonEmpty(cliFormat, os.Getenv(LogFormatEnvVar), cfgFormat, DefaultLogFormat)

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	cleanup := func() {}
	if logFile != "" {
		file, closeFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, logFormat)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
