package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var sendWatch bool

var sendCmd = &cobra.Command{
	Use:   "send [thread-id] [message]",
	Short: "Send a message to a thread",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

var watchCmd = &cobra.Command{
	Use:   "watch [thread-id]",
	Short: "Stream a thread's events",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	sendCmd.Flags().BoolVarP(&sendWatch, "watch", "f", false, "Stream the response after sending")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	id := args[0]

	body, _ := json.Marshal(map[string]string{"content": args[1]})
	resp, err := http.Post(serverURL+"/api/threads/"+id+"/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the daemon running? Start it with: mensad serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return serverError(resp)
	}

	if sendWatch {
		return streamEvents(id)
	}
	fmt.Printf("Sent to thread %s\n", id)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	return streamEvents(args[0])
}

// streamEvents follows a thread's SSE stream until the response finishes
// or the connection closes.
func streamEvents(id string) error {
	req, _ := http.NewRequest("GET", serverURL+"/api/threads/"+id+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var u struct {
			Type    string `json:"type"`
			Message *struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			Tool *struct {
				Name  string `json:"name"`
				Phase string `json:"phase"`
			} `json:"tool"`
			Thread *struct {
				Status      string `json:"status"`
				IsStreaming bool   `json:"is_streaming"`
				LastError   string `json:"last_error"`
			} `json:"thread"`
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &u); err != nil {
			continue
		}

		switch u.Type {
		case "message":
			if u.Message != nil {
				fmt.Printf("\033[36m[%s]\033[0m %s\n", u.Message.Role, u.Message.Content)
			}
		case "tool":
			if u.Tool != nil {
				fmt.Printf("\033[33m[tool]\033[0m %s (%s)\n", u.Tool.Name, u.Tool.Phase)
			}
		case "warning":
			fmt.Fprintf(os.Stderr, "\033[31m[warning]\033[0m %s\n", u.Detail)
		case "state":
			if u.Thread == nil {
				continue
			}
			if u.Thread.LastError != "" {
				fmt.Fprintf(os.Stderr, "\033[31m[error]\033[0m %s\n", u.Thread.LastError)
				return nil
			}
			if !u.Thread.IsStreaming {
				fmt.Printf("\n\033[32m✓ Done\033[0m\n")
				return nil
			}
		}
	}

	return scanner.Err()
}
