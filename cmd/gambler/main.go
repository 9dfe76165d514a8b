package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/cllghn/csg-docs-llm/internal/config"
)

const usage = `Usage: gambler [--config=config.yaml] <command> [args]

Commands:
  serve                       start the web chat and API
  chat                        start the terminal chat
  ask "question..."           answer one question and exit
  ingest --set NAME paths...  index .txt/.md files into a document set
  sets                        list configured document sets
`

func main() {
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ./config.yaml or ~/.config/gambler/config.yaml if not provided)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var run func(*config.AppConfig, []string) error
	switch args[0] {
	case "serve":
		run = runServe
	case "chat":
		run = runChat
	case "ask":
		run = runAsk
	case "ingest":
		run = runIngest
	case "sets":
		run = runSets
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err := run(cfg, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
