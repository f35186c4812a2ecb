package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/rag"
)

// ChatCmd asks questions interactively against the local pipeline,
// without going through the HTTP server.
type ChatCmd struct {
	Party    string  `help:"Restrict answers to one party (slug)."`
	TopK     int     `help:"Chunks to retrieve per question (default from config)." default:"0"`
	MinScore float64 `help:"Minimum similarity score (default from config)." default:"-1"`
	NoStream bool    `name:"no-stream" help:"Print whole answers instead of streaming tokens."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("chat requires an interactive terminal")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanup, err := setupLogger(cli.LogLevel, cli.LogFile, cli.LogFormat, &cfg.Logging)
	if err != nil {
		return err
	}
	defer cleanup()

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	topK := c.TopK
	if topK == 0 {
		topK = cfg.Search.TopK
	}
	minScore := c.MinScore
	if minScore < 0 {
		minScore = cfg.Search.Threshold
	}

	return c.repl(ctx, comps, topK, minScore)
}

func (c *ChatCmd) repl(ctx context.Context, comps *components, topK int, minScore float64) error {
	reader := bufio.NewReader(os.Stdin)
	partyFilter := c.Party

	fmt.Println("\nAsk about the government plans. Commands:")
	fmt.Println("  /party <slug>        - restrict answers to one party (/party all to reset)")
	fmt.Println("  /diagnose <question> - show retrieval counts at several thresholds")
	fmt.Println("  /quit or /exit       - end the session")
	fmt.Println()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if partyFilter != "" {
			fmt.Printf("[%s] > ", partyFilter)
		} else {
			fmt.Print("> ")
		}

		input, err := reader.ReadString('\n')
		if err != nil {
			// Ctrl+D ends the session like /quit.
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			switch {
			case input == "/quit" || input == "/exit":
				return nil
			case strings.HasPrefix(input, "/party"):
				arg := strings.TrimSpace(strings.TrimPrefix(input, "/party"))
				if arg == "" || arg == "all" {
					partyFilter = ""
					fmt.Println("Answering across all parties")
				} else if _, ok := comps.parties.Get(arg); ok {
					partyFilter = arg
					fmt.Printf("Answering for %s only\n", arg)
				} else {
					fmt.Printf("Unknown party: %s\n", arg)
				}
				continue
			case strings.HasPrefix(input, "/diagnose"):
				question := strings.TrimSpace(strings.TrimPrefix(input, "/diagnose"))
				if question == "" {
					fmt.Println("Usage: /diagnose <question>")
					continue
				}
				c.diagnose(ctx, comps, question, partyFilter)
				continue
			default:
				fmt.Printf("Unknown command: %s\n", input)
				continue
			}
		}

		req := rag.QueryRequest{
			Question:    input,
			PartyFilter: partyFilter,
			TopK:        topK,
			MinScore:    minScore,
		}

		if c.NoStream {
			c.answerOnce(ctx, comps, req)
		} else {
			c.answerStreaming(ctx, comps, req)
		}
	}
}

// diagnose shows how many chunks the question retrieves at each
// candidate threshold, for retuning search.threshold after the corpus
// changes.
func (c *ChatCmd) diagnose(ctx context.Context, comps *components, question, partyFilter string) {
	points, err := comps.pipeline.Diagnose(ctx, question, partyFilter, nil)
	if err != nil {
		fmt.Printf("Error: %v\n\n", err)
		return
	}

	fmt.Println("\nChunks retrieved per candidate threshold:")
	for _, pt := range points {
		line := fmt.Sprintf("  %.2f  %3d chunk(s)", pt.Threshold, pt.Results)
		if pt.Results > 0 {
			line += fmt.Sprintf("  best %.2f", pt.Top)
		}
		fmt.Println(line)
	}
	fmt.Println()
}

func (c *ChatCmd) answerOnce(ctx context.Context, comps *components, req rag.QueryRequest) {
	resp, err := comps.pipeline.Query(ctx, req)
	if err != nil {
		fmt.Printf("Error: %v\n\n", err)
		return
	}
	fmt.Printf("\n%s\n", resp.Answer)
	printSources(resp.Sources, resp.Confidence)
}

func (c *ChatCmd) answerStreaming(ctx context.Context, comps *components, req rag.QueryRequest) {
	events, err := comps.pipeline.QueryStream(ctx, req)
	if err != nil {
		fmt.Printf("Error: %v\n\n", err)
		return
	}

	fmt.Println()
	var sources []rag.Source
	for ev := range events {
		switch ev.Type {
		case rag.EventSources:
			sources = ev.Sources
		case rag.EventToken:
			fmt.Print(ev.Token)
		case rag.EventDone:
			fmt.Println()
			printSources(sources, ev.Confidence)
		case rag.EventError:
			fmt.Printf("\nError: %v\n\n", ev.Err)
		}
	}
}

func printSources(sources []rag.Source, confidence float64) {
	if len(sources) == 0 {
		fmt.Println()
		return
	}
	fmt.Printf("\nSources (confidence %.2f):\n", confidence)
	for i, src := range sources {
		line := fmt.Sprintf("  [%d] %s: %s", i+1, src.Party, src.Document)
		if src.Page > 0 {
			line += fmt.Sprintf(", p. %d", src.Page)
		}
		line += fmt.Sprintf(" (%.2f)", src.Similarity)
		fmt.Println(line)
	}
	fmt.Println()
}
