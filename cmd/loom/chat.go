package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a prompt and print the model response",
	Long: `Send a prompt through the chat endpoint.

Examples:
  loom chat "What is a goroutine?"
  loom chat --thread 4f7c... "And how do channels relate?"
  loom chat --model claude-opus-4 --model gpt-4o "Compare yourselves"
  loom chat --template tpl-123 "Summarize my week"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, _ := cmd.Flags().GetString("thread")
		models, _ := cmd.Flags().GetStringSlice("model")
		templateID, _ := cmd.Flags().GetString("template")
		noStream, _ := cmd.Flags().GetBool("no-stream")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"prompt": args[0],
			"stream": !noStream,
		}
		if threadID != "" {
			req["thread_id"] = threadID
		}
		if len(models) > 0 {
			req["model_ids"] = models
		}
		if templateID != "" {
			req["template_id"] = templateID
		}

		resp, err := client.post(cmd.Context(), "/v1/chat/turns", req)
		if err != nil {
			return err
		}

		if noStream {
			return printTurnResponse(resp)
		}
		return printTurnStream(resp, len(models) > 1)
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads [id]",
	Short: "List threads, or show one thread's exchanges",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			return showThread(cmd, client, args[0])
		}

		resp, err := client.get(cmd.Context(), "/v1/threads")
		if err != nil {
			return err
		}
		var threads []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &threads); err != nil {
			return err
		}
		if len(threads) == 0 {
			fmt.Println("no threads yet")
			return nil
		}
		for _, t := range threads {
			fmt.Printf("%s  %s  %s\n", t.ID, t.CreatedAt, t.Title)
		}
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <key> <value>",
	Short: "Set a profile field (user.display_name, org.name, ...)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/v1/profile", map[string]string{
			"key":   args[0],
			"value": args[1],
		})
		if err != nil {
			return err
		}
		var out map[string]any
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("profile %s updated", args[0])
		return nil
	},
}

func showThread(cmd *cobra.Command, client *apiClient, id string) error {
	resp, err := client.get(cmd.Context(), "/v1/threads/"+id)
	if err != nil {
		return err
	}
	var thread struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Exchanges []struct {
			Prompt   string `json:"prompt"`
			Response string `json:"response"`
			ModelID  string `json:"model_id"`
		} `json:"exchanges"`
	}
	if err := decodeJSON(resp, &thread); err != nil {
		return err
	}
	fmt.Printf("%s\n\n", thread.Title)
	for _, e := range thread.Exchanges {
		fmt.Printf("> %s\n", e.Prompt)
		fmt.Printf("[%s] %s\n\n", e.ModelID, e.Response)
	}
	return nil
}

func printTurnResponse(resp *http.Response) error {
	var turn struct {
		ThreadID  string `json:"thread_id"`
		Responses map[string]struct {
			Content string `json:"content"`
			Error   string `json:"error"`
		} `json:"responses"`
	}
	if err := decodeJSON(resp, &turn); err != nil {
		return err
	}
	for modelID, slot := range turn.Responses {
		if slot.Error != "" {
			printError("%s: %s", modelID, slot.Error)
			continue
		}
		if len(turn.Responses) > 1 {
			fmt.Printf("[%s]\n", modelID)
		}
		fmt.Println(slot.Content)
	}
	printStatus("Thread", "%s", turn.ThreadID)
	return nil
}

// streamFrame is one `data:` payload from the turn stream: either a delta
// carrying choices, or a per-model closing frame with done set.
type streamFrame struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Done     bool   `json:"done"`
	ThreadID string `json:"thread_id"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func printTurnStream(resp *http.Response, multiModel bool) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	// With several models streaming concurrently the deltas interleave, so
	// buffer per model and print whole responses as each model finishes.
	buffers := make(map[string]*strings.Builder)
	threadID := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if frame.ThreadID != "" {
			threadID = frame.ThreadID
		}

		if frame.Done {
			if frame.Error != nil {
				printError("%s: %s", frame.Model, frame.Error.Message)
			} else if multiModel {
				content := ""
				if b := buffers[frame.Model]; b != nil {
					content = b.String()
				}
				fmt.Printf("[%s]\n%s\n\n", frame.Model, content)
			}
			continue
		}

		for _, c := range frame.Choices {
			if multiModel {
				b, ok := buffers[frame.Model]
				if !ok {
					b = &strings.Builder{}
					buffers[frame.Model] = b
				}
				b.WriteString(c.Delta.Content)
			} else {
				fmt.Print(c.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	if !multiModel {
		fmt.Println()
	}
	if threadID != "" {
		fmt.Fprintf(os.Stderr, "\nthread: %s\n", threadID)
	}
	return nil
}

func init() {
	chatCmd.Flags().String("thread", "", "continue an existing thread")
	chatCmd.Flags().StringSlice("model", nil, "model(s) to complete against (repeatable)")
	chatCmd.Flags().String("template", "", "prompt template id")
	chatCmd.Flags().Bool("no-stream", false, "wait for the full response instead of streaming")
}
