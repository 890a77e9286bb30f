package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	seqlabel "github.com/famasya/neural-sequence-labeling"
	"github.com/famasya/neural-sequence-labeling/internal/htmlutil"
)

func (c *CLI) newRunCommand() *cobra.Command {
	var modelPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run [sentence | file | url | -]",
		Short: "Tag a sentence, a text or HTML file, a web page, or stdin",
		Example: `  # Tag a sentence
  seqlabel run "EU rejects German call to boycott British lamb ."

  # Tag every line of a text file
  seqlabel run sentences.txt

  # Tag the text of a web page or an HTML file
  seqlabel run https://example.com/news.html
  seqlabel run page.html

  # Read from stdin
  cat sentences.txt | seqlabel run -

  # Use a specific checkpoint and print JSON
  seqlabel run --model ckpt/conll2003_pos/pos-12.json --json "Peter Blackburn"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd, nil)
			if err != nil {
				return err
			}
			if len(args) == 0 && isStdinTerminal() {
				return cmd.Help()
			}
			sentences, source, err := readSentences(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			c.log.Debug("Input read", zap.String("source", source), zap.Int("sentences", len(sentences)))

			if modelPath == "" {
				modelPath = cfg.CheckpointPath
			}
			start := time.Now()
			tagger, err := seqlabel.Load(modelPath)
			if err != nil {
				return err
			}
			c.log.Debug("Model loaded", zap.String("path", modelPath), zap.Duration("took", time.Since(start)))

			results := make([][]seqlabel.TaggedToken, 0, len(sentences))
			for _, s := range sentences {
				tokens, err := tagger.Inference(s)
				if err != nil {
					return err
				}
				results = append(results, tokens)
			}
			return printTagged(cmd.OutOrStdout(), results, asJSON)
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Checkpoint file or directory (default: checkpoint_path)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}

func printTagged(w io.Writer, results [][]seqlabel.TaggedToken, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	for _, tokens := range results {
		parts := make([]string, len(tokens))
		for i, t := range tokens {
			parts[i] = t.Token + "/" + t.Label
		}
		if _, err := fmt.Fprintln(w, strings.Join(parts, " ")); err != nil {
			return err
		}
	}
	return nil
}

func isStdinTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// readSentences resolves the run arguments to sentences and names their
// source. No argument or "-" reads stdin; a URL is fetched; an existing path
// is read; anything else is the sentence itself.
func readSentences(args []string, stdin io.Reader) ([]string, string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		body, err := io.ReadAll(stdin)
		if err != nil {
			return nil, "", fmt.Errorf("read stdin: %w", err)
		}
		content := strings.TrimSpace(string(body))
		if content == "" {
			return nil, "", fmt.Errorf("stdin is empty")
		}
		if isURL(content) && !strings.ContainsAny(content, " \n") {
			s, err := fetchSentences(content)
			return s, content, err
		}
		s, err := splitContent(content, looksLikeHTML(content))
		return s, "stdin", err
	}

	if len(args) == 1 {
		target := args[0]
		if isURL(target) {
			s, err := fetchSentences(target)
			return s, target, err
		}
		if fi, err := os.Stat(target); err == nil && !fi.IsDir() {
			data, err := os.ReadFile(target)
			if err != nil {
				return nil, "", fmt.Errorf("read file: %w", err)
			}
			ext := strings.ToLower(filepath.Ext(target))
			s, err := splitContent(string(data), ext == ".html" || ext == ".htm")
			return s, target, err
		}
	}
	return []string{strings.Join(args, " ")}, "arguments", nil
}

func fetchSentences(url string) ([]string, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch URL: HTTP %d", resp.StatusCode)
	}
	doc, err := htmlutil.LoadHTML(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	return htmlutil.TextBlocks(doc), nil
}

func looksLikeHTML(s string) bool {
	return strings.HasPrefix(s, "<")
}

// splitContent returns the text blocks of an HTML document, or the non-blank
// lines of plain text.
func splitContent(content string, isHTML bool) ([]string, error) {
	if isHTML {
		doc, err := htmlutil.LoadHTMLString(content)
		if err != nil {
			return nil, fmt.Errorf("parse html: %w", err)
		}
		return htmlutil.TextBlocks(doc), nil
	}
	var out []string
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
