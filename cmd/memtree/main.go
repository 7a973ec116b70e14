// Command memtree runs the branching memory service.
//
// Usage:
//
//	memtree serve --config memtree.yaml
//	memtree serve --database sqlite://.memtree/memory.db --port 8080
//	memtree mcp --database sqlite://.memtree/memory.db
//	memtree validate --config memtree.yaml
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/memtree/pkg/config"
	"github.com/kadirpekel/memtree/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP memory server."`
	MCP      MCPCmd      `cmd:"" name:"mcp" help:"Serve memory tools over MCP stdio."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("memtree"),
		kong.Description("Git-like branching memory for AI agents."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// initLogger installs the slog default from CLI flags, falling back to
// LOG_LEVEL and LOG_FILE environment variables.
func initLogger(cli *CLI) (func(), error) {
	levelStr := cli.LogLevel
	if v := os.Getenv("LOG_LEVEL"); levelStr == "info" && v != "" {
		levelStr = v
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	logFile := cli.LogFile
	if logFile == "" {
		logFile = os.Getenv("LOG_FILE")
	}

	output := os.Stderr
	var cleanup func()
	if logFile != "" {
		file, closeFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, err
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

// loadConfig loads .env files and the configuration file, if any.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, err
	}
	return config.NewLoader(path).Load(context.Background())
}
