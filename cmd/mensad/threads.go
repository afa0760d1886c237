package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var newWorkspace string

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new thread",
	RunE:  runNew,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all threads",
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status [thread-id]",
	Short: "Get the status of a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var switchCmd = &cobra.Command{
	Use:   "switch [thread-id]",
	Short: "Make a thread the visible one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSwitch,
}

var archiveCmd = &cobra.Command{
	Use:   "archive [thread-id]",
	Short: "Archive a thread, terminating its worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchive,
}

var renameCmd = &cobra.Command{
	Use:   "rename [thread-id] [title]",
	Short: "Rename a thread",
	Args:  cobra.ExactArgs(2),
	RunE:  runRename,
}

var rmCmd = &cobra.Command{
	Use:   "rm [thread-id]",
	Short: "Delete a thread and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

func init() {
	newCmd.Flags().StringVarP(&newWorkspace, "workspace", "w", "", "Workspace directory for the thread (default: current directory)")
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(rmCmd)
}

type threadView struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	WorkspacePath string `json:"workspace_path"`
	Status        string `json:"status"`
	Preview       string `json:"preview"`
	IsStreaming   bool   `json:"is_streaming"`
	LastError     string `json:"last_error"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func runNew(cmd *cobra.Command, args []string) error {
	workspace := newWorkspace
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving workspace: %w", err)
		}
		workspace = wd
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}

	body, _ := json.Marshal(map[string]string{"workspace_path": abs})
	resp, err := http.Post(serverURL+"/api/threads", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the daemon running? Start it with: mensad serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return serverError(resp)
	}

	var t threadView
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Created thread %s (%s)\n", t.ID, t.WorkspacePath)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/threads")
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the daemon running? Start it with: mensad serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var threads []threadView
	if err := json.NewDecoder(resp.Body).Decode(&threads); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(threads) == 0 {
		fmt.Println("No threads found.")
		return nil
	}

	unread := fetchUnread()
	active := fetchActive()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tUNREAD\tPREVIEW")
	for _, t := range threads {
		title := t.Title
		if t.ID == active {
			title = "* " + title
		}
		badge := ""
		if n := unread[t.ID]; n > 0 {
			badge = fmt.Sprintf("%d", n)
		}
		preview := t.Preview
		if len(preview) > 50 {
			preview = preview[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, title, statusIcon(t.Status, t.IsStreaming), badge, preview)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/threads/" + args[0])
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var t threadView
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Thread:     %s\n", t.ID)
	fmt.Printf("Title:      %s\n", t.Title)
	fmt.Printf("Workspace:  %s\n", t.WorkspacePath)
	fmt.Printf("Status:     %s\n", statusIcon(t.Status, t.IsStreaming))
	fmt.Printf("Created:    %s\n", t.CreatedAt)
	fmt.Printf("Updated:    %s\n", t.UpdatedAt)
	if t.LastError != "" {
		fmt.Printf("Error:      %s\n", t.LastError)
	}
	return nil
}

func runSwitch(cmd *cobra.Command, args []string) error {
	return postAction("/api/threads/"+args[0]+"/switch", "Switched to thread "+args[0])
}

func runArchive(cmd *cobra.Command, args []string) error {
	return postAction("/api/threads/"+args[0]+"/archive", "Archived thread "+args[0])
}

func runRename(cmd *cobra.Command, args []string) error {
	body, _ := json.Marshal(map[string]string{"title": args[1]})
	req, err := http.NewRequest(http.MethodPatch, serverURL+"/api/threads/"+args[0], bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return serverError(resp)
	}
	fmt.Printf("Renamed thread %s\n", args[0])
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodDelete, serverURL+"/api/threads/"+args[0], nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return serverError(resp)
	}
	fmt.Printf("Deleted thread %s\n", args[0])
	return nil
}

func postAction(path, okMsg string) error {
	resp, err := http.Post(serverURL+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return serverError(resp)
	}
	fmt.Println(okMsg)
	return nil
}

func fetchUnread() map[string]int {
	resp, err := http.Get(serverURL + "/api/threads/unread")
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	var counts map[string]int
	json.NewDecoder(resp.Body).Decode(&counts)
	return counts
}

func fetchActive() string {
	resp, err := http.Get(serverURL + "/api/threads/active")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	var out struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.ID
}

func serverError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
}

func statusIcon(status string, streaming bool) string {
	if streaming {
		return "🔄 streaming"
	}
	switch status {
	case "idle":
		return "💤 idle"
	case "active":
		return "🟢 active"
	case "archived":
		return "📦 archived"
	default:
		return status
	}
}
