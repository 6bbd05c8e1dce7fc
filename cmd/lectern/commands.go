package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/lectern/internal/api"
	"github.com/kalambet/lectern/internal/chat"
	"github.com/kalambet/lectern/internal/config"
	"github.com/kalambet/lectern/internal/progress"
	"github.com/kalambet/lectern/internal/storage"
	"github.com/kalambet/lectern/internal/study"
)

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a user and print their API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		save, _ := cmd.Flags().GetBool("save")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		u, err := createUser(store, args[0])
		if err != nil {
			return err
		}
		printSuccess("Created user %s (%s)", u.Name, u.ID)
		fmt.Println(u.Token)

		if save {
			path := tokenFilePath(cfg.Storage.DataDir)
			if err := os.WriteFile(path, []byte(u.Token+"\n"), 0o600); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			printSuccess("Token saved to %s", path)
		}
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		users, err := store.ListUsers()
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users. Create one with `lectern user add <name>`.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, u.ID), u.Name, u.CreatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

type userCreator interface {
	CreateUser(u storage.User) error
}

func createUser(store userCreator, name string) (storage.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.User{}, errors.New("user name is required")
	}
	u := storage.User{
		ID:    uuid.New().String(),
		Name:  name,
		Token: "lct_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
	}
	if err := store.CreateUser(u); err != nil {
		return storage.User{}, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

func init() {
	userAddCmd.Flags().Bool("save", false, "save the token for this CLI")
	userCmd.AddCommand(userAddCmd, userListCmd)
}

// --- books ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a PDF or EPUB for indexing",
	Long: `Upload a PDF or EPUB for indexing.

Examples:
  lectern upload ./moby-dick.epub
  lectern upload ./paper.pdf --title "Attention paper" --follow`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		follow, _ := cmd.Flags().GetBool("follow")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.upload(cmd.Context(), args[0], data, title)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued book %s", result["id"])

		if !follow {
			return nil
		}
		return followProgress(cmd.Context(), client, result["id"], os.Stderr)
	},
}

func init() {
	uploadCmd.Flags().String("title", "", "title for the book (default: from the file)")
	uploadCmd.Flags().Bool("follow", false, "follow indexing progress")
}

func listBooks(ctx context.Context, client *apiClient) ([]api.BookView, error) {
	resp, err := client.get(ctx, "/books")
	if err != nil {
		return nil, err
	}
	var books []api.BookView
	if err := decodeJSON(resp, &books); err != nil {
		return nil, err
	}
	return books, nil
}

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "List your books",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		books, err := listBooks(cmd.Context(), client)
		if err != nil {
			return err
		}
		printBooks(os.Stdout, books)
		return nil
	},
}

func printBooks(w io.Writer, books []api.BookView) {
	if len(books) == 0 {
		fmt.Fprintln(w, "No books yet. Upload one with `lectern upload <file>`.")
		return
	}
	for _, b := range books {
		name := b.Title
		if name == "" {
			name = b.Filename
		}
		status := b.Status
		switch b.Status {
		case storage.BookReady:
			status = colorize(colorGreen, status)
		case storage.BookFailed:
			status = colorize(colorRed, status)
		default:
			status = colorize(colorYellow, status)
		}
		fmt.Fprintf(w, "%s  %-10s  %4d pages  %s\n", colorize(colorCyan, b.ID), status, b.PageCount, truncate(name, 60))
	}
}

var deleteCmd = &cobra.Command{
	Use:   "delete <book-id>",
	Short: "Delete a book and its index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/books/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted book %s", args[0])
		return nil
	},
}

// --- progress ---

var progressCmd = &cobra.Command{
	Use:   "progress <book-id>",
	Short: "Follow the indexing progress of a book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return followProgress(cmd.Context(), client, args[0], os.Stderr)
	},
}

// followProgress draws progress events until the run is done or failed.
func followProgress(ctx context.Context, client *apiClient, bookID string, w io.Writer) error {
	var last progress.Snapshot
	err := client.stream(ctx, "GET", "/books/"+url.PathEscape(bookID)+"/progress?stream=1", nil, func(event string, data []byte) error {
		if event != "progress" {
			return fmt.Errorf("progress stream: %s", data)
		}
		if err := json.Unmarshal(data, &last); err != nil {
			return fmt.Errorf("decoding progress: %w", err)
		}
		printProgressLine(w, string(last.Stage), last.Percent, last.Attempted, last.Total)
		if last.Terminal() {
			return errStopStream
		}
		return nil
	})
	fmt.Fprintln(w)
	if err != nil {
		return err
	}

	switch {
	case last.Err != "":
		return fmt.Errorf("indexing failed: %s", last.Err)
	case last.Failed > 0:
		printWarning("%d of %d paragraphs could not be indexed", last.Failed, last.Total)
	case last.Done:
		printSuccess("Indexed %d paragraphs", last.Total)
	}
	return nil
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <book-id> <question>",
	Short: "Ask a question about a book",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		_, err = askQuestion(cmd.Context(), client, args[0], strings.Join(args[1:], " "), os.Stdout, os.Stderr)
		return err
	},
}

// askQuestion streams the answer to out. Tool activity goes to info, dimmed.
func askQuestion(ctx context.Context, client *apiClient, bookID, question string, out, info io.Writer) (chat.EventDone, error) {
	var done chat.EventDone
	var failure error
	body := api.ChatRequest{Question: question}

	err := client.stream(ctx, "POST", "/books/"+url.PathEscape(bookID)+"/chat", body, func(event string, data []byte) error {
		switch event {
		case "delta":
			var ev chat.EventDelta
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			fmt.Fprint(out, ev.Text)
		case "tool_call":
			var ev chat.EventToolCall
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			fmt.Fprintln(info, colorize(colorDim, fmt.Sprintf("· %s %s", ev.Name, ev.Args)))
		case "tool_result":
			var ev chat.EventToolResult
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			fmt.Fprintln(info, colorize(colorDim, "· "+truncate(strings.ReplaceAll(ev.Content, "\n", " "), 120)))
		case "done":
			if err := json.Unmarshal(data, &done); err != nil {
				return err
			}
			fmt.Fprintln(out)
			if done.Partial {
				printWarning("answer may be incomplete")
			}
			return errStopStream
		case "failed":
			var ev struct {
				Error string `json:"error"`
			}
			json.Unmarshal(data, &ev)
			failure = fmt.Errorf("chat failed: %s", ev.Error)
			return errStopStream
		}
		return nil
	})
	if err != nil {
		return chat.EventDone{}, err
	}
	if failure != nil {
		return chat.EventDone{}, failure
	}
	return done, nil
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <book-id> <query>",
	Short: "Show the passages of a book closest to a query",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runRecall(cmd.Context(), client, args[0], strings.Join(args[1:], " "), os.Stdout)
	},
}

func runRecall(ctx context.Context, client *apiClient, bookID, query string, w io.Writer) error {
	path := fmt.Sprintf("/books/%s/recall?q=%s", url.PathEscape(bookID), url.QueryEscape(query))
	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}
	var result struct {
		Passages []api.PassageView `json:"passages"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	if len(result.Passages) == 0 {
		fmt.Fprintln(w, "No relevant passages found.")
		return nil
	}
	for i, p := range result.Passages {
		fmt.Fprintf(w, "\n%s [page %d, score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Passage %d", i+1)), p.Page+1, p.Score)
		fmt.Fprintf(w, "  %s\n", truncate(p.Text, 500))
	}
	return nil
}

// --- study ---

// studyBody builds the page range body. Pages on the command line are
// one-based; the API is zero-based.
func studyBody(cmd *cobra.Command) (map[string]any, error) {
	from, _ := cmd.Flags().GetInt("from")
	to, _ := cmd.Flags().GetInt("to")
	if from < 1 {
		return nil, fmt.Errorf("--from must be at least 1")
	}
	body := map[string]any{"from_page": from - 1}
	if to > 0 {
		if to < from {
			return nil, fmt.Errorf("--to must not be before --from")
		}
		body["to_page"] = to - 1
	}
	return body, nil
}

func addPageFlags(cmd *cobra.Command) {
	cmd.Flags().Int("from", 1, "first page (1-based)")
	cmd.Flags().Int("to", 0, "last page, inclusive (default: last page)")
}

var summaryCmd = &cobra.Command{
	Use:   "summary <book-id>",
	Short: "Summarize a page range of a book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := studyBody(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/books/"+url.PathEscape(args[0])+"/summary", body)
		if err != nil {
			return err
		}
		var result struct {
			Summary string `json:"summary"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Println(result.Summary)
		return nil
	},
}

var quizCmd = &cobra.Command{
	Use:   "quiz <book-id>",
	Short: "Generate a multiple-choice quiz from a page range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := studyBody(cmd)
		if err != nil {
			return err
		}
		n, _ := cmd.Flags().GetInt("questions")
		body["questions"] = n
		showAnswers, _ := cmd.Flags().GetBool("answers")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/books/"+url.PathEscape(args[0])+"/quiz", body)
		if err != nil {
			return err
		}
		var result struct {
			Questions []study.Question `json:"questions"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printQuiz(os.Stdout, result.Questions, showAnswers)
		return nil
	},
}

func printQuiz(w io.Writer, quiz []study.Question, showAnswers bool) {
	for i, q := range quiz {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, fmt.Sprintf("%d.", i+1)), q.Question)
		for j, opt := range q.Options {
			marker := " "
			if showAnswers && opt == q.Answer {
				marker = "*"
			}
			fmt.Fprintf(w, "  %s %c) %s\n", marker, 'a'+j, opt)
		}
		fmt.Fprintln(w)
	}
}

func init() {
	addPageFlags(summaryCmd)
	addPageFlags(quizCmd)
	quizCmd.Flags().Int("questions", study.DefaultQuestions, "number of questions")
	quizCmd.Flags().Bool("answers", false, "mark the correct answers")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (" + strings.Join(config.SecretKeys(), ", ") + ")",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.StoreSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSetSecretCmd, configUnsetCmd)
}
