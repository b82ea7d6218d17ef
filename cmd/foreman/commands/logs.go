package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/rowan/foreman/internal/logging"
)

var (
	logsTailFlag   int
	logsFollowFlag bool
	logsExportFlag string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent log entries",
	Long: `Logs prints the newest entries from the foreman log files.
With --follow it keeps streaming as new entries arrive, rolling over
to the next day's file at midnight. --export concatenates all log
files, oldest first, into a single output file.`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().IntVarP(&logsTailFlag, "tail", "n", 50, "Number of log lines to show")
	logsCmd.Flags().BoolVarP(&logsFollowFlag, "follow", "f", false, "Stream new entries as they arrive")
	logsCmd.Flags().StringVarP(&logsExportFlag, "export", "e", "", "Write all log entries to a file")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	dir := logging.DefaultConfig().Path
	if cfg, err := loadConfig(); err == nil && cfg.Logging.Path != "" {
		dir = cfg.Logging.Path
	}

	if logsExportFlag != "" {
		return exportLogs(dir, logsExportFlag)
	}

	files, err := logFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 && !logsFollowFlag {
		fmt.Println("No log files found.")
		return nil
	}
	for _, line := range tailLines(files, logsTailFlag) {
		printEntry(line)
	}
	if !logsFollowFlag {
		return nil
	}
	return followLogs(dir)
}

// logFiles lists the daily log files in a directory, newest first. The
// date-stamped names sort chronologically, so name order is enough.
func logFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "foreman-") && strings.HasSuffix(name, ".log") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// tailLines collects the last n lines across the newest files, walking
// backwards until the budget is filled.
func tailLines(files []string, n int) []string {
	var out []string
	for _, path := range files {
		if len(out) >= n {
			break
		}
		lines := readLines(path)
		if keep := n - len(out); len(lines) > keep {
			lines = lines[len(lines)-keep:]
		}
		out = append(lines, out...)
	}
	return out
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

// followLogs streams the active day's log file, switching files when
// the date rolls over.
func followLogs(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching log dir: %w", err)
	}

	var (
		active string
		reader *bufio.Reader
		file   *os.File
	)
	reopen := func() {
		path := filepath.Join(dir, "foreman-"+time.Now().Format("2006-01-02")+".log")
		if path == active {
			return
		}
		if file != nil {
			file.Close()
			file, reader = nil, nil
		}
		f, err := os.Open(path)
		if err != nil {
			return
		}
		active, file = path, f
		reader = bufio.NewReader(f)
	}
	reopen()
	if file != nil {
		// Only entries from now on; the tail already covered history.
		if _, err := file.Seek(0, io.SeekEnd); err == nil {
			reader = bufio.NewReader(file)
		}
	}

	fmt.Println("--- Following logs (Ctrl+C to exit) ---")
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			reopen()
			if reader == nil || event.Op&fsnotify.Write == 0 {
				continue
			}
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					break
				}
				printEntry(strings.TrimSuffix(line, "\n"))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		}
	}
}

func exportLogs(dir, outPath string) error {
	files, err := logFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no log files found")
	}
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer out.Close()

	total := 0
	// Oldest first, so the export reads in event order.
	for i := len(files) - 1; i >= 0; i-- {
		for _, line := range readLines(files[i]) {
			fmt.Fprintln(out, line)
			total++
		}
	}
	fmt.Printf("Exported %d log lines to %s\n", total, outPath)
	return nil
}

var levelStyles = map[string]lipgloss.Style{
	"debug": lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}),
	"info":  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}),
	"warn":  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}).Bold(true),
	"error": lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}).Bold(true),
}

// printEntry renders one JSON log line for the terminal; lines that are
// not JSON are printed untouched.
func printEntry(line string) {
	var entry struct {
		Level     string    `json:"level"`
		Time      time.Time `json:"time"`
		Message   string    `json:"message"`
		Component string    `json:"component,omitempty"`
		Error     string    `json:"error,omitempty"`
	}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		fmt.Println(line)
		return
	}

	level := strings.ToUpper(entry.Level)
	if len(level) > 3 {
		level = level[:3]
	}
	if style, ok := levelStyles[entry.Level]; ok {
		level = style.Render(level)
	}

	var b strings.Builder
	b.WriteString(entry.Time.Format("15:04:05"))
	b.WriteString(" " + level)
	if entry.Component != "" {
		b.WriteString(" [" + entry.Component + "]")
	}
	b.WriteString(" " + entry.Message)
	if entry.Error != "" {
		b.WriteString(" error=" + entry.Error)
	}
	fmt.Println(b.String())
}
